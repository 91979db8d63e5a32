// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material and bearer tokens outside the Go
// heap.
//
// The controller keeps two kinds of secrets alive for long periods: the
// fleet manager's bearer token and each lease's AES-256 key. Both live in
// a [Buffer], which is mmap-backed, mlock'd so it cannot be swapped, and
// excluded from core dumps. Close zeroes and unmaps the region.
//
// [ReadFromPath] loads a token file (or stdin) straight into a Buffer;
// the fleet client uses it to re-read credentials on re-login.
package secret
