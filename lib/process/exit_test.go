// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type codedError struct{ code int }

func (e *codedError) Error() string { return fmt.Sprintf("exit %d", e.code) }
func (e *codedError) ExitCode() int { return e.code }

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"coded", &codedError{code: 2}, 2},
		{"wrapped coded", fmt.Errorf("running tasks: %w", &codedError{code: 3}), 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode = %d, want %d", got, test.want)
			}
		})
	}
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	if code := Report(&out, &codedError{code: 2}); code != 2 {
		t.Errorf("Report = %d, want 2", code)
	}
	if got := out.String(); got != "error: exit 2\n" {
		t.Errorf("output = %q", got)
	}

	out.Reset()
	if code := Report(&out, nil); code != 0 || out.Len() != 0 {
		t.Errorf("Report(nil) = %d, %q", code, out.String())
	}
}
