// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// DirectorLockName is the lock file whose holder is the director.
const DirectorLockName = ".director.lock"

// directorLock is a held exclusive flock.
type directorLock struct {
	file *os.File
}

// tryDirectorLock takes the director lock under root without blocking.
// It returns nil when another live process holds it.
func tryDirectorLock(root string) (*directorLock, error) {
	path := filepath.Join(root, DirectorLockName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening director lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	file.Truncate(0)
	file.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &directorLock{file: file}, nil
}

func (d *directorLock) release() error {
	if d == nil || d.file == nil {
		return nil
	}
	unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	err := d.file.Close()
	d.file = nil
	return err
}

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// sweepStale removes per-process directories under root whose owning
// process has exited. Entries that are not process directories are
// left alone.
func sweepStale(root string, self int, logger *slog.Logger) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("listing working root failed", "root", root, "error", err)
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self || processAlive(pid) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("removing stale working directory failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// retireRoot runs when the director shuts down. Directories of exited
// processes go; directories of live siblings stay. The lock file and
// the root itself are removed only when nothing else is left.
func retireRoot(root string, self int, lock *directorLock, logger *slog.Logger) {
	if removed := sweepStale(root, self, logger); removed > 0 {
		logger.Info("removed stale working directories", "root", root, "count", removed)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("listing working root failed", "root", root, "error", err)
	}
	others := 0
	for _, entry := range entries {
		if entry.Name() != DirectorLockName {
			others++
		}
	}
	empty := err == nil && others == 0
	if empty {
		if err := os.Remove(filepath.Join(root, DirectorLockName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("removing director lock failed", "root", root, "error", err)
		}
	}
	if err := lock.release(); err != nil {
		logger.Warn("releasing director lock failed", "error", err)
	}
	if !empty {
		logger.Info("working root still in use; leaving it", "root", root, "entries", others)
		return
	}
	if err := os.Remove(root); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("removing working root failed", "root", root, "error", err)
	}
}
