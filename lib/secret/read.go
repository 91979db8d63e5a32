// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// MaxFileSize bounds a secret file. Fleet tokens are a few kilobytes
// at most; anything larger is the wrong file.
const MaxFileSize = 64 << 10

// ReadFromPath reads the secret stored at path, trimming surrounding
// whitespace. The file is re-read on every call so rotated tokens are
// picked up. The caller owns the returned Buffer.
func ReadFromPath(path string) (*Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		Zero(data)
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		Zero(data)
		return nil, fmt.Errorf("secret file %s exceeds %d bytes", path, MaxFileSize)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	return buffer, err
}
