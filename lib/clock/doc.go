// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the dispatch
// loop, the agent pool, and the fleet backoff logic.
//
// Components hold a [Clock] field instead of calling time.Now, time.After,
// or time.Sleep directly. Production wiring passes [Real]; tests pass
// [Fake], which only moves when the test calls [FakeClock.Advance].
//
// # Synchronizing with a FakeClock
//
// A goroutine that calls Sleep or After on a FakeClock registers a
// pending waiter. Tests call [FakeClock.WaitForTimers] before Advance so
// the advance cannot race the registration:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	loop := dispatch.NewLoop(dispatch.LoopConfig{Clock: c, ...})
//	go loop.Run(ctx)
//	c.WaitForTimers(1)
//	c.Advance(20 * time.Millisecond)
package clock
