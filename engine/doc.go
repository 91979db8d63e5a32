// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the boundary between the dispatch loop and the
// execution engine that actually runs build processes.
//
// The dispatch loop depends only on the [Engine] interface: it starts
// the engine when work arrives, enqueues one process per task, adjusts
// the local concurrency cap every iteration, and stops the engine when
// it has been idle long enough. Every enqueued process gets exactly
// one completion callback, including processes still queued when the
// engine stops.
//
// [Local] is the in-process implementation. It runs processes with
// os/exec under a live-adjustable cap, keeps a CAS index of the files
// each process declared, records remote clients added by the agent
// pool, and writes zstd-compressed CBOR trace snapshots. It never
// places work remotely; a remote-capable engine satisfies the same
// interface.
package engine
