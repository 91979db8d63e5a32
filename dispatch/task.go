// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "github.com/bureau-foundation/buildaccel/lib/future"

// Command is everything the host supplies for one task.
type Command struct {
	Executable string
	Arguments  []string
	WorkingDir string

	// InputFile is deleted once the task finishes. OutputFile must
	// hold a valid output header for the task to count as done.
	InputFile  string
	OutputFile string

	// Dependencies are files the process is known to read.
	Dependencies []string
	// AdditionalOutputDirs are extra directories the process writes.
	AdditionalOutputDirs []string

	Description string
	// ProcessID is the host process that submitted the task.
	ProcessID int

	// Weight biases remote placement. Zero means 1.
	Weight float32
}

// Result is the terminal state of a task.
type Result struct {
	Completed  bool
	ReturnCode int
	LogLines   []string
}

// CancelledResult is the result of a task that never ran.
func CancelledResult() Result {
	return Result{Completed: false, ReturnCode: 0}
}

// Task is one queued unit of work. Only Resolve mutates it.
type Task struct {
	ID      uint64
	Command Command

	promise *future.Promise[Result]
}

// NewTask returns a task and the future its result will be delivered
// on.
func NewTask(id uint64, command Command) (*Task, *future.Future[Result]) {
	promise, result := future.New[Result]()
	return &Task{ID: id, Command: command, promise: promise}, result
}

// Resolve fulfils the task's future. Only the first call has any
// effect; it reports whether this call won.
func (t *Task) Resolve(result Result) bool {
	return t.promise.Fulfil(result)
}

// Cancel resolves the task with CancelledResult.
func (t *Task) Cancel() bool {
	return t.Resolve(CancelledResult())
}
