// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet requests remote machine leases from a Horde-style fleet
// manager over HTTP and JSON.
//
// [Client.RequestClusterID] resolves which cluster should serve a pool
// and [Client.RequestMachine] asks that cluster for one machine. Both
// run on their own goroutine and return a [future.Future] that always
// resolves: failures are logged and produce an empty cluster ID or
// [InvalidMachineInfo], never an error. Callers check
// [MachineInfo.Valid] before using a lease.
//
// Status handling follows the fleet manager's contract. 503 and 429
// mean no capacity right now and the caller should back off. 401 and
// 403 mark the client for re-login: the next request fetches a fresh
// bearer token from its [TokenSource] before sending.
//
// Lease keys live in [secret.Buffer] values; [MachineInfo.Close]
// releases them when the owning agent worker exits.
package fleet
