// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a chunk is stored in the pack blob. The
// numeric values appear in manifests.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4", "":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("bundle: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("bundle: zstd decoder: " + err.Error())
	}
}

// compress encodes data with the preferred algorithm. When the result
// would not be smaller it returns the input with CompressionNone.
func compress(data []byte, preferred Compression) ([]byte, Compression, error) {
	switch preferred {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return data, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil
	case CompressionZstd:
		encoded := zstdEncoder.EncodeAll(data, nil)
		if len(encoded) >= len(data) {
			return data, CompressionNone, nil
		}
		return encoded, CompressionZstd, nil
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", preferred)
	}
}

// decompress reverses compress and checks the decoded length.
func decompress(stored []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(stored) != size {
			return nil, fmt.Errorf("stored chunk is %d bytes, want %d", len(stored), size)
		}
		return stored, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(decoded) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(decoded), size)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}
