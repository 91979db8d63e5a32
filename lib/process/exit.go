// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is an error that picks its own process exit status.
type ExitCoder interface {
	error
	ExitCode() int
}

// ExitCode returns the status main should exit with for err: zero for
// nil, the code of the first ExitCoder in err's chain, otherwise 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// Report writes err to w in the form binaries print before exiting and
// returns the matching exit status.
func Report(w io.Writer, err error) int {
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return ExitCode(err)
}

// Fatal reports err on stderr and exits with its status.
func Fatal(err error) {
	os.Exit(Report(os.Stderr, err))
}
