// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicio

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestWriteFileCreatesAndReplaces(t *testing.T) {
	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "nested", "state.rec")

	if err := WriteFile(target, []byte("v1"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("content = %q, want %q", got, "v1")
	}

	if err := WriteFile(target, []byte("v2"), 0644); err != nil {
		t.Fatalf("WriteFile replace failed: %v", err)
	}
	got, _ = os.ReadFile(target)
	if string(got) != "v2" {
		t.Errorf("content after replace = %q, want %q", got, "v2")
	}
}

func TestWriteFileLeavesNoTempsOnSuccess(t *testing.T) {
	tmpDir := t.TempDir()
	if err := WriteFile(filepath.Join(tmpDir, "a.rec"), []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileFailureLeavesTargetUntouched(t *testing.T) {
	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "a.rec")
	if err := WriteFile(target, []byte("original"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Make the directory unwritable so temp creation fails.
	if err := os.Chmod(tmpDir, 0555); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	t.Cleanup(func() { os.Chmod(tmpDir, 0755) })

	err := WriteFile(target, []byte("replacement"), 0644)
	if err == nil {
		t.Skip("running as a user unaffected by directory permissions")
	}

	var ioErr *IoError
	if !errors.As(err, &ioErr) {
		t.Fatalf("error is not *IoError: %v", err)
	}

	os.Chmod(tmpDir, 0755)
	got, readErr := os.ReadFile(target)
	if readErr != nil {
		t.Fatalf("reading target: %v", readErr)
	}
	if string(got) != "original" {
		t.Errorf("target modified on failed write: %q", got)
	}
}

func TestRemoveFile(t *testing.T) {
	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "a.rec")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := RemoveFile(target); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target still exists after RemoveFile")
	}

	// Removing a missing path is not an error.
	if err := RemoveFile(target); err != nil {
		t.Errorf("RemoveFile on missing path = %v, want nil", err)
	}
}

func TestSweepTemps(t *testing.T) {
	tmpDir := t.TempDir()
	sub := filepath.Join(tmpDir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	keep := filepath.Join(tmpDir, "state.rec")
	orphan1 := filepath.Join(tmpDir, "state.rec.tmp-deadbeef")
	orphan2 := filepath.Join(sub, "other.rec.tmp-12345678")
	for _, p := range []string{keep, orphan1, orphan2} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	removed, err := SweepTemps(tmpDir)
	if err != nil {
		t.Fatalf("SweepTemps failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-temp file was removed")
	}
	for _, p := range []string{orphan1, orphan2} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("orphan not removed: %s", p)
		}
	}
}

func TestSweepTempsMissingRoot(t *testing.T) {
	removed, err := SweepTemps(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("SweepTemps on missing root = %v, want nil", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestIoErrorClassification(t *testing.T) {
	err := classify("write", "/x", syscall.EINTR)
	var ioErr *IoError
	if !errors.As(err, &ioErr) || !ioErr.Transient {
		t.Errorf("EINTR should classify as transient, got %v", err)
	}

	err = classify("write", "/x", syscall.ENOSPC)
	if !errors.As(err, &ioErr) || ioErr.Transient {
		t.Errorf("ENOSPC should classify as persistent, got %v", err)
	}

	if classify("write", "/x", nil) != nil {
		t.Error("classify(nil) should return nil")
	}
}

func TestIsTemp(t *testing.T) {
	if !IsTemp("state.rec.tmp-abcd1234") {
		t.Error("expected temp name to match")
	}
	if IsTemp("state.rec") {
		t.Error("plain name matched as temp")
	}
	if !strings.Contains("a.tmp-b", tmpInfix) {
		t.Error("infix mismatch")
	}
}
