// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo probes the local machine for the facts the dispatch
// loop and agent pool need: the logical core count that bounds local
// parallelism, and the OS family compared against leased machines to
// decide whether a remote agent needs a compatibility layer.
//
// Probing goes through gopsutil so the same code works on every
// platform the controller builds for. Failures never propagate; a
// probe that cannot read the CPU topology falls back to the Go
// runtime's view of the machine.
package hwinfo
