// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// OutputHeaderSize is the int32 version plus int64 declared payload
// size at the start of every output file.
const OutputHeaderSize = 4 + 8

var (
	// ErrOutputMissing means the output file does not exist.
	ErrOutputMissing = errors.New("output file missing")
	// ErrOutputTruncated means the file is shorter than its header
	// promises.
	ErrOutputTruncated = errors.New("output file truncated")
)

// OutputHeader is the little-endian prefix of an output file.
type OutputHeader struct {
	Version      int32
	DeclaredSize int64
}

// ValidateOutput checks that path holds a header and at least as many
// payload bytes as it declares. Trailing bytes are allowed.
func ValidateOutput(path string) (OutputHeader, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return OutputHeader{}, fmt.Errorf("%w: %s", ErrOutputMissing, path)
	}
	if err != nil {
		return OutputHeader{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return OutputHeader{}, err
	}
	if info.Size() < OutputHeaderSize {
		return OutputHeader{}, fmt.Errorf("%w: %s is %d bytes, shorter than the header", ErrOutputTruncated, path, info.Size())
	}

	var header OutputHeader
	if err := binary.Read(io.LimitReader(file, OutputHeaderSize), binary.LittleEndian, &header); err != nil {
		return OutputHeader{}, fmt.Errorf("reading output header: %w", err)
	}
	if header.DeclaredSize < 0 {
		return header, fmt.Errorf("%w: %s declares negative size %d", ErrOutputTruncated, path, header.DeclaredSize)
	}
	if info.Size()-OutputHeaderSize < header.DeclaredSize {
		return header, fmt.Errorf("%w: %s declares %d payload bytes but holds %d",
			ErrOutputTruncated, path, header.DeclaredSize, info.Size()-OutputHeaderSize)
	}
	return header, nil
}
