// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte keyed BLAKE3 digest.
type Hash [32]byte

// Keyed hashing separates the chunk and blob domains so a chunk that
// happens to equal a whole blob never shares its address.
var (
	chunkKey = domainKey("buildaccel.bundle.chunk")
	blobKey  = domainKey("buildaccel.bundle.blob")
)

func domainKey(name string) [32]byte {
	var key [32]byte
	copy(key[:], name)
	return key
}

func keyedSum(key [32]byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only returned for a key that is not 32 bytes.
		panic("bundle: keyed BLAKE3 init: " + err.Error())
	}
	hasher.Write(data)
	var sum Hash
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// HashChunk hashes uncompressed chunk bytes.
func HashChunk(data []byte) Hash {
	return keyedSum(chunkKey, data)
}

// HashBlob hashes the stored bytes of a blob.
func HashBlob(data []byte) Hash {
	return keyedSum(blobKey, data)
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Locator names a blob. It is the string sent to remote agents in
// upload requests and stored in .Bundle.ref files.
type Locator string

const locatorPrefix = "blob:"

// LocatorFor returns the locator for a blob hash.
func LocatorFor(h Hash) Locator {
	return Locator(locatorPrefix + h.String())
}

// ParseLocator validates a locator string and returns its hash.
func ParseLocator(s string) (Hash, error) {
	var h Hash
	hexPart, ok := strings.CutPrefix(strings.TrimSpace(s), locatorPrefix)
	if !ok {
		return h, fmt.Errorf("locator %q lacks %q prefix", s, locatorPrefix)
	}
	decoded, err := hex.DecodeString(hexPart)
	if err != nil {
		return h, fmt.Errorf("parsing locator %q: %w", s, err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("locator %q holds %d bytes, want %d", s, len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}
