// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"

	"github.com/bureau-foundation/buildaccel/lib/codec"
)

// ManifestVersion is the current manifest format.
const ManifestVersion = 1

// Manifest describes the files in a bundle and where their chunks
// live in the pack blob.
type Manifest struct {
	Version int         `cbor:"1,keyasint"`
	Name    string      `cbor:"2,keyasint"`
	Pack    Locator     `cbor:"3,keyasint"`
	Files   []FileEntry `cbor:"4,keyasint"`
}

// FileEntry is one bundled file.
type FileEntry struct {
	Name   string     `cbor:"1,keyasint"`
	Size   int64      `cbor:"2,keyasint"`
	Mode   uint32     `cbor:"3,keyasint"`
	Chunks []ChunkRef `cbor:"4,keyasint"`
}

// ChunkRef locates one stored chunk inside the pack blob.
type ChunkRef struct {
	Hash        Hash        `cbor:"1,keyasint"`
	Offset      int64       `cbor:"2,keyasint"`
	StoredSize  int64       `cbor:"3,keyasint"`
	Size        int64       `cbor:"4,keyasint"`
	Compression Compression `cbor:"5,keyasint"`
}

func encodeManifest(manifest *Manifest) ([]byte, error) {
	data, err := codec.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := codec.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("manifest version %d, want %d", manifest.Version, ManifestVersion)
	}
	return &manifest, nil
}
