// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller is the host-facing entry point for build
// acceleration.
//
// A [Controller] accepts tasks through [Controller.EnqueueTask], which
// returns a future immediately, and hands them to a dispatch loop that
// runs on its own goroutine. The loop is started by
// [Controller.Initialize] only when the configuration enables it; a
// disabled controller keeps tasks queued until [Controller.Shutdown]
// cancels them so the host runs them itself.
//
// Every process gets a working directory under
// <shared dir>/buildaccel/<pid>, with task files bucketed into
// SubFolderCount subdirectories by [Controller.CreateUniqueFilePath].
// Cooperating processes that share the base elect a director with an
// exclusive lock on <root>/.director.lock. The director sweeps the
// directories of dead siblings at start and removes the shared root at
// shutdown.
//
// Filesystem failures during start and shutdown are logged and never
// abort the controller.
package controller
