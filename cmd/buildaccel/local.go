// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/bureau-foundation/buildaccel/dispatch"
)

// needsLocalRun reports whether the host must run command itself: the
// controller cancelled it, or it completed with code zero but left no
// valid output behind.
func needsLocalRun(command dispatch.Command, result dispatch.Result) bool {
	if !result.Completed {
		return true
	}
	if result.ReturnCode != 0 || command.OutputFile == "" {
		return false
	}
	_, err := dispatch.ValidateOutput(command.OutputFile)
	return err != nil
}

// runLocally executes command on this machine and returns its result
// in the controller's shape.
func runLocally(ctx context.Context, command dispatch.Command) dispatch.Result {
	cmd := exec.CommandContext(ctx, command.Executable, command.Arguments...)
	cmd.Dir = command.WorkingDir
	cmd.Env = os.Environ()
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	var lines []string
	for line := range strings.Lines(output.String()) {
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			lines = append(lines, line)
		}
	}
	if err == nil {
		return dispatch.Result{Completed: true, ReturnCode: 0, LogLines: lines}
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && exitError.ExitCode() >= 0 {
		return dispatch.Result{Completed: true, ReturnCode: exitError.ExitCode(), LogLines: lines}
	}
	return dispatch.Result{Completed: true, ReturnCode: 1, LogLines: append(lines, err.Error())}
}
