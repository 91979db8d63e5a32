// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the wall-clock safety valves shared by the
// controller's tests.
//
// [RequireReceive] and [RequireClosed] wrap the
// select-with-timeout pattern so tests that wait on futures, worker
// exits, or loop shutdown do not each carry their own time.After.
// [Eventually] polls a condition for state that changes off the test
// goroutine, such as pool counters.
//
// All helpers call t.Fatalf on failure.
package testutil
