// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used for every binary
// body the controller produces: agent message payloads on compute
// channels, bundle manifests, and trace snapshots.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// value always yields the same bytes. That property matters for bundle
// manifests, whose hash becomes the upload locator.
package codec
