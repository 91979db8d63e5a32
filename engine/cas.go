// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zeebo/blake3"
)

// CasKey is the blake3 digest of a file's content.
type CasKey [32]byte

func (k CasKey) String() string {
	return hex.EncodeToString(k[:])
}

type casEntry struct {
	Key  CasKey
	Size int64
}

// casIndex maps local paths to content keys. Several paths may share
// one key; refs counts them so Len reports distinct content.
type casIndex struct {
	mu     sync.Mutex
	byPath map[string]casEntry
	refs   map[CasKey]int
}

func newCasIndex() *casIndex {
	return &casIndex{
		byPath: make(map[string]casEntry),
		refs:   make(map[CasKey]int),
	}
}

// register hashes path and records it, replacing any previous entry.
func (c *casIndex) register(path string) (CasKey, error) {
	key, size, err := hashFile(path)
	if err != nil {
		return CasKey{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(path)
	c.byPath[path] = casEntry{Key: key, Size: size}
	c.refs[key]++
	return key, nil
}

func (c *casIndex) delete(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(path)
}

func (c *casIndex) removeLocked(path string) bool {
	entry, ok := c.byPath[path]
	if !ok {
		return false
	}
	delete(c.byPath, path)
	if c.refs[entry.Key]--; c.refs[entry.Key] <= 0 {
		delete(c.refs, entry.Key)
	}
	return true
}

func (c *casIndex) lookup(path string) (CasKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byPath[path]
	return entry.Key, ok
}

// counts returns the number of indexed paths and distinct keys.
func (c *casIndex) counts() (paths, keys int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byPath), len(c.refs)
}

func hashFile(path string) (CasKey, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return CasKey{}, 0, err
	}
	defer file.Close()

	hasher := blake3.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return CasKey{}, 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	var key CasKey
	copy(key[:], hasher.Sum(nil))
	return key, size, nil
}
