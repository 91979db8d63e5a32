// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint error handler for buildaccel
// binaries, used in main() where the structured logger may not exist yet.
package process
