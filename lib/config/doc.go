// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the controller configuration.
//
// Configuration is a single flat [Controller] struct loaded from one
// YAML file named by the BUILDACCEL_CONFIG environment variable (via
// [Load]) or a --config flag (via [LoadFile]). There is no discovery
// and no layering beyond [Default]: the file is decoded on top of the
// defaults, then normalized and validated.
//
// The only environment variable consulted for values is
// BUILDACCEL_SHARED_DIR, read once by [Default] to choose the base of
// the per-process working directory. Path fields additionally expand
// ${VAR} and ${VAR:-default} patterns.
//
// Normalization applies the one implied setting in the surface: relay
// connections always use AES, whatever encryption the file requested.
//
// The struct is constructed once at process start and passed down to
// the controller, dispatch loop, fleet client and agent pool. Tests
// build arbitrary configurations directly from [Default].
package config
