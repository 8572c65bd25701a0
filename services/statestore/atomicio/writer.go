// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicio persists byte buffers so a reader never observes a
// partial write.
//
// WriteFile stages data in a temporary sibling, forces it to durable
// storage, then renames onto the target. Rename is atomic at the
// filesystem level, so concurrent readers see either the old content or
// the new content, never a mix. A crash can leave orphaned temp siblings;
// SweepTemps removes them and is run by recovery at startup.
package atomicio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// tmpInfix marks temporary sibling files: "<name>.tmp-<random>".
const tmpInfix = ".tmp-"

// IoError wraps a filesystem failure with retryability classification.
//
// Transient errors (interrupted syscalls, temporary resource pressure)
// may be retried with backoff by the caller. Persistent errors (disk
// full, read-only filesystem, I/O faults) should be surfaced as fatal
// for the operation. The store itself never retries; retry policy
// belongs to the caller.
type IoError struct {
	Op        string
	Path      string
	Err       error
	Transient bool
}

func (e *IoError) Error() string {
	kind := "persistent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s: %s io error: %v", e.Op, e.Path, kind, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// classify wraps err as an IoError with errno-based transience.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	transient := errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY)
	return &IoError{Op: op, Path: path, Err: err, Transient: transient}
}

// WriteFile atomically replaces the contents of path with data.
//
// # Description
//
// Writes data to a temporary sibling, fsyncs it, renames it onto path,
// then fsyncs the parent directory so the rename itself is durable. On
// failure at any stage the temporary file is removed and path is left
// untouched. Parent directories are created as needed.
//
// # Inputs
//
//   - path: Target file path.
//   - data: Complete new contents.
//   - perm: Permission bits for a newly created target.
//
// # Outputs
//
//   - error: nil on success, *IoError otherwise.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return classify("mkdir", dir, err)
	}

	tmp := path + tmpInfix + uuid.NewString()[:8]
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return classify("create", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return classify("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return classify("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return classify("close", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return classify("rename", path, err)
	}

	return syncDir(dir)
}

// RemoveFile removes path and makes the removal durable.
//
// Removing a path that does not exist is not an error, so tombstone
// commits are idempotent. The parent directory is fsynced after the
// unlink.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classify("remove", path, err)
	}
	return syncDir(filepath.Dir(path))
}

// SweepTemps removes orphaned temporary siblings under root.
//
// # Description
//
// Walks the tree rooted at root and deletes every "*.tmp-*" file left
// behind by a crash between temp-file write and rename. Called by the
// recovery manager before the store accepts traffic.
//
// # Outputs
//
//   - int: Number of temp files removed.
//   - error: First walk or remove failure.
func SweepTemps(root string) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), tmpInfix) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return classify("remove", path, err)
		}
		removed++
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return removed, err
}

// IsTemp reports whether name is a temporary sibling produced by WriteFile.
func IsTemp(name string) bool {
	return strings.Contains(filepath.Base(name), tmpInfix)
}

// syncDir fsyncs a directory so renames and unlinks inside it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return classify("opendir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some filesystems reject fsync on directories; the rename has
		// still happened, only durability of the rename is weakened.
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) {
			return nil
		}
		return classify("fsyncdir", dir, err)
	}
	return nil
}
