// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch moves build tasks from the host to the execution
// engine.
//
// The host enqueues [Task] values on a [Queue]. A single [Loop]
// goroutine drains the queue into an [engine.Engine], recomputes the
// local/remote core split with [ComputeBudget] every iteration, and
// pushes the remote share to the agent pool. The loop starts the
// engine lazily when work arrives and stops it again after a quiet
// period so leased machines are released.
//
// Every task's future is resolved exactly once. Completed processes
// resolve through the engine's completion callback, which removes the
// task's input file, clears the engine's records of both files,
// validates the output with [ValidateOutput] and only then resolves.
// An output that fails validation is removed and the task resolves as
// completed with return code zero: the host sees no output and reruns
// the task locally. Tasks still queued when the loop stops are
// resolved with [CancelledResult].
package dispatch
