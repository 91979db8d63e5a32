// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RefSuffix is appended to a bundle name to form its ref file name.
const RefSuffix = ".Bundle.ref"

const blobSuffix = ".blob"

// ErrBlobNotFound is returned when a locator names no stored blob.
var ErrBlobNotFound = errors.New("bundle: blob not found")

// Store is a directory of content-addressed blobs and ref files.
type Store struct {
	dir string
}

// Ref identifies a built bundle.
type Ref struct {
	Name     string
	Manifest Locator
	// Size is the total stored size of the manifest and pack blobs.
	Size int64
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating bundle directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Build chunks, compresses and packs the named files into a bundle,
// writes its blobs, and records the manifest locator in
// "<name>.Bundle.ref". Files are stored under their base names.
func (s *Store) Build(name string, paths []string, compression Compression) (Ref, error) {
	if len(paths) == 0 {
		return Ref{}, fmt.Errorf("bundle %s: no files", name)
	}

	var pack bytes.Buffer
	manifest := &Manifest{Version: ManifestVersion, Name: name}
	for _, path := range paths {
		entry, err := appendFile(&pack, path, compression)
		if err != nil {
			return Ref{}, fmt.Errorf("bundle %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, entry)
	}

	packLocator, err := s.putBlob(pack.Bytes())
	if err != nil {
		return Ref{}, err
	}
	manifest.Pack = packLocator

	encoded, err := encodeManifest(manifest)
	if err != nil {
		return Ref{}, err
	}
	manifestLocator, err := s.putBlob(encoded)
	if err != nil {
		return Ref{}, err
	}

	if err := writeFileAtomic(s.refPath(name), []byte(manifestLocator)); err != nil {
		return Ref{}, fmt.Errorf("writing ref for %s: %w", name, err)
	}
	return Ref{
		Name:     name,
		Manifest: manifestLocator,
		Size:     int64(pack.Len() + len(encoded)),
	}, nil
}

func appendFile(pack *bytes.Buffer, path string, compression Compression) (FileEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileEntry{}, err
	}
	entry := FileEntry{
		Name: filepath.Base(path),
		Size: int64(len(data)),
		Mode: uint32(info.Mode().Perm()),
	}
	for _, chunk := range Split(data) {
		stored, used, err := compress(chunk.Data, compression)
		if err != nil {
			return FileEntry{}, fmt.Errorf("%s: %w", path, err)
		}
		entry.Chunks = append(entry.Chunks, ChunkRef{
			Hash:        chunk.Hash,
			Offset:      int64(pack.Len()),
			StoredSize:  int64(len(stored)),
			Size:        int64(len(chunk.Data)),
			Compression: used,
		})
		pack.Write(stored)
	}
	return entry, nil
}

// ReadRef returns the manifest locator recorded for name.
func (s *Store) ReadRef(name string) (Locator, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		return "", err
	}
	locator := Locator(strings.TrimSpace(string(data)))
	if _, err := ParseLocator(string(locator)); err != nil {
		return "", fmt.Errorf("ref %s: %w", name, err)
	}
	return locator, nil
}

// ReadBlob returns length bytes of the blob at offset. A read that runs
// past the end of the blob is an error: remote agents only ask for
// ranges they learned from the manifest.
func (s *Store) ReadBlob(locator Locator, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid blob range %d+%d", offset, length)
	}
	file, err := s.openBlob(locator)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buffer := make([]byte, length)
	if _, err := file.ReadAt(buffer, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("blob %s: range %d+%d past end", locator, offset, length)
		}
		return nil, fmt.Errorf("reading blob %s: %w", locator, err)
	}
	return buffer, nil
}

// BlobSize returns the stored size of a blob.
func (s *Store) BlobSize(locator Locator) (int64, error) {
	file, err := s.openBlob(locator)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Manifest loads and decodes the manifest blob at locator.
func (s *Store) Manifest(locator Locator) (*Manifest, error) {
	size, err := s.BlobSize(locator)
	if err != nil {
		return nil, err
	}
	data, err := s.ReadBlob(locator, 0, size)
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// Extract reconstructs every file of the bundle into dir, verifying
// each chunk hash.
func (s *Store) Extract(manifestLocator Locator, dir string) error {
	manifest, err := s.Manifest(manifestLocator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, entry := range manifest.Files {
		var contents bytes.Buffer
		for index, ref := range entry.Chunks {
			stored, err := s.ReadBlob(manifest.Pack, ref.Offset, ref.StoredSize)
			if err != nil {
				return fmt.Errorf("%s chunk %d: %w", entry.Name, index, err)
			}
			data, err := decompress(stored, ref.Compression, int(ref.Size))
			if err != nil {
				return fmt.Errorf("%s chunk %d: %w", entry.Name, index, err)
			}
			if HashChunk(data) != ref.Hash {
				return fmt.Errorf("%s chunk %d: hash mismatch", entry.Name, index)
			}
			contents.Write(data)
		}
		if int64(contents.Len()) != entry.Size {
			return fmt.Errorf("%s: reconstructed %d bytes, want %d", entry.Name, contents.Len(), entry.Size)
		}
		if err := os.WriteFile(filepath.Join(dir, entry.Name), contents.Bytes(), os.FileMode(entry.Mode)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putBlob(data []byte) (Locator, error) {
	locator := LocatorFor(HashBlob(data))
	path, err := s.blobPath(locator)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return locator, nil
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", locator, err)
	}
	return locator, nil
}

func (s *Store) openBlob(locator Locator) (*os.File, error) {
	path, err := s.blobPath(locator)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, locator)
	}
	return file, err
}

func (s *Store) blobPath(locator Locator) (string, error) {
	hash, err := ParseLocator(string(locator))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, hash.String()+blobSuffix), nil
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.dir, name+RefSuffix)
}

// writeFileAtomic writes through a temp file so sibling controllers
// sharing the directory never observe a partial blob.
func writeFileAtomic(path string, data []byte) error {
	temp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return err
	}
	return os.Rename(temp.Name(), path)
}
