// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentpool keeps enough remote agents running to cover the
// dispatch loop's remote core target.
//
// [Pool.SetTargetCoreCount] spawns one worker goroutine per missing
// agent, charging each an estimated core count up front so a burst of
// calls does not over-request. Each worker walks a fixed sequence:
// prepare the agent bundle (once per pool), lease a machine from the
// fleet manager, open a compute session, upload the bundle, launch the
// agent, then poll it until it exits or the pool closes. Whatever step
// a worker stops at, its reservation is released exactly once.
//
// A bundle failure latches the pool: no further agents are requested
// until the process restarts. Lease and session failures only end the
// one worker; failed lease requests also hold off new requests for the
// configured backoff.
package agentpool
