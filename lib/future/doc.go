// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package future provides a typed single-assignment result shared
// between the goroutine that produces a value and any number of
// goroutines waiting for it.
//
// [New] returns a [Promise] and its [Future]. The producer fulfils the
// promise once; later attempts are ignored and report false, so the
// first of several racing resolvers (a completion callback and a
// shutdown cancellation, for example) wins deterministically. Waiters
// block on [Future.Wait] or select on [Future.Done].
package future
