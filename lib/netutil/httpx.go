// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the small network helpers shared by the fleet
// client and the compute socket.
//
// Response helpers bound every fleet-manager body read. Lease and cluster
// replies are a few hundred bytes; [MaxResponseSize] only exists so a
// misbehaving proxy cannot make the controller allocate without limit.
// [ErrorBody] truncates further because its output lands in log lines.
//
// [IsExpectedCloseError] classifies the errors a compute socket sees
// when the remote agent goes away during normal teardown.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds fleet-manager JSON response reads.
const MaxResponseSize int64 = 1 << 20

// maxErrorBody bounds error bodies copied into log lines.
const maxErrorBody int64 = 4 << 10

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (up to MaxResponseSize) and
// JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns up to 4 KiB of an error response for diagnostics.
// Read errors are ignored; a partial body is still useful in a log.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}
