// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle packages agent binaries for upload to leased machines.
//
// A bundle is a set of files (the agent executable and, optionally,
// its debug symbols) split into content-defined chunks with a GearHash
// rolling hash, compressed per chunk, and packed into a single blob.
// A CBOR [Manifest] lists every file's chunks by offset into that
// pack blob. Both blobs are content addressed: a blob's [Locator] is
// the keyed BLAKE3 hash of its bytes, and the file holding it is
// named after the locator.
//
// [Store.Build] writes the blobs and a "<name>.Bundle.ref" file whose
// content is the manifest locator. The agent session announces that
// locator to the remote agent, which then pulls the blobs back with
// ranged reads served by [Store.ReadBlob]. Because blobs are named by
// content, rebuilding an unchanged binary rewrites nothing and a
// remote cache keyed by locator stays valid across controller runs.
//
// [Store.Extract] reverses the process and verifies every chunk hash,
// which is how tests (and a remote agent implementation) check that a
// bundle round-trips.
package bundle
