// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Chunk size bounds. Changing any of these moves chunk boundaries and
// so changes every locator; remote caches simply miss afterwards.
const (
	MinChunkSize = 16 << 10
	MaxChunkSize = 256 << 10

	// boundaryMask has 16 bits set, giving an expected chunk length of
	// 64 KiB past the minimum.
	boundaryMask uint64 = 0xFFFF << 48
)

// gearTable drives the rolling hash: h = h<<1 + gearTable[b]. The
// entries are derived from a fixed BLAKE3 context string so the table
// is reproducible without shipping 256 literals.
var gearTable = func() [256]uint64 {
	var table [256]uint64
	var raw [256 * 8]byte
	hasher := blake3.NewDeriveKey("buildaccel bundle gear table v1")
	if _, err := hasher.Digest().Read(raw[:]); err != nil {
		panic("bundle: deriving gear table: " + err.Error())
	}
	for i := range table {
		table[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return table
}()

// Chunk is one content-defined slice of an input buffer.
type Chunk struct {
	// Data aliases the input buffer.
	Data []byte
	Hash Hash
}

// Split cuts data into content-defined chunks. Identical byte runs in
// two versions of a binary produce identical chunks once the rolling
// hash resynchronizes, so only the changed regions get new locators.
func Split(data []byte) []Chunk {
	var chunks []Chunk
	for len(data) > 0 {
		end := nextBoundary(data)
		chunks = append(chunks, Chunk{Data: data[:end], Hash: HashChunk(data[:end])})
		data = data[end:]
	}
	return chunks
}

// nextBoundary returns the length of the first chunk in data.
func nextBoundary(data []byte) int {
	if len(data) <= MinChunkSize {
		return len(data)
	}
	limit := min(len(data), MaxChunkSize)

	// The hash only depends on the last 64 bytes, so hashing can start
	// just before the earliest permitted cut.
	var rolling uint64
	for position := MinChunkSize - 64; position < limit; position++ {
		rolling = rolling<<1 + gearTable[data[position]]
		if position+1 >= MinChunkSize && rolling&boundaryMask == 0 {
			return position + 1
		}
	}
	return limit
}
