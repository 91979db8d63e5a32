// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information injected with -ldflags -X.
// The controller also sends [Short] to remote agents in the launch
// description so lease logs identify the build that requested them.
package version
