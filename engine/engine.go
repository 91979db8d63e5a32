// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
)

// ErrNotStarted is returned by operations that need a running engine.
var ErrNotStarted = errors.New("engine: not started")

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("engine: already started")

// Engine schedules build processes locally or on remote agents.
type Engine interface {
	// Start brings the engine up. It must be called before any other
	// operation and may be called again after Stop.
	Start(ctx context.Context, options StartOptions) error

	// Stop shuts the engine down and returns once every enqueued
	// process has had its completion callback invoked.
	Stop()

	// EnqueueProcess schedules one process. weight biases placement;
	// knownInputs are files the process is known to read.
	EnqueueProcess(info ProcessStartInfo, weight float32, knownInputs []string) (ProcessHandle, error)

	// SetMaxLocalProcessors changes the local concurrency cap. It
	// takes effect for the next process started.
	SetMaxLocalProcessors(n int)

	// Stats returns a non-blocking snapshot.
	Stats() SchedulerStats

	// IsEmpty reports whether no queued or running work remains.
	IsEmpty() bool

	// ForgetFile drops the session's record of path.
	ForgetFile(path string)

	// DeleteCasEntry drops the storage entry for path.
	DeleteCasEntry(path string)

	// AddClient connects a remote agent back to this engine.
	// cryptoNonce is empty for unencrypted agents.
	AddClient(ctx context.Context, address string, port int, cryptoNonce string) error

	// SaveTrace writes a diagnostic snapshot to path.
	SaveTrace(path string) error
}

// StartOptions configures one engine run.
type StartOptions struct {
	// RootDir holds engine-private state for this run.
	RootDir string
	// Listen makes the engine accept connections from agents on
	// ListenPort. Agents dial back to Host when it is set.
	Listen     bool
	ListenPort int
	Host       string
	// SessionID names the run in traces and logs.
	SessionID string
}

// ProcessStartInfo describes one process to run.
type ProcessStartInfo struct {
	Application string
	Arguments   []string
	WorkingDir  string
	Description string
	// Env entries are added to the controller's environment.
	Env map[string]string
	// Outputs are files the process is expected to produce. They are
	// added to the CAS index when the process exits.
	Outputs []string
	// OnExit is invoked exactly once when the process finishes or is
	// abandoned at Stop.
	OnExit func(ProcessResult)
}

// ProcessResult is delivered to ProcessStartInfo.OnExit.
type ProcessResult struct {
	Handle   ProcessHandle
	ExitCode int
	LogLines []string
	// Remote reports whether the process ran on an agent.
	Remote bool
}

// ExitCodeAbandoned is reported for processes that never ran because
// the engine stopped first, and for processes that could not start.
const ExitCodeAbandoned = -1

// ProcessHandle identifies an enqueued process.
type ProcessHandle uint64

// SchedulerStats is a point-in-time view of the engine's scheduler.
type SchedulerStats struct {
	Queued       int
	ActiveLocal  int
	ActiveRemote int
	Finished     int
}
