// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "sync"

// Queue is a FIFO of pending tasks with one consumer. Producers that
// race each other must serialize outside the queue if they care about
// relative order.
type Queue struct {
	mu    sync.Mutex
	tasks []*Task
}

// Enqueue appends task.
func (q *Queue) Enqueue(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

// Dequeue removes and returns the oldest task without blocking.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain removes and returns every queued task in order.
func (q *Queue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// CancelAll drains the queue and cancels every task in it, returning
// how many were cancelled.
func (q *Queue) CancelAll() int {
	cancelled := 0
	for _, task := range q.Drain() {
		if task.Cancel() {
			cancelled++
		}
	}
	return cancelled
}
