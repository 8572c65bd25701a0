// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"os"
)

// WindowsGuardLocker implements GuardLocker for Windows.
//
// # Description
//
// Uses LockFileEx via golang.org/x/sys/windows for file locking.
// Currently a stub implementation - full implementation pending.
//
// # Thread Safety
//
// Safe for concurrent use on different files.
type WindowsGuardLocker struct{}

// Lock acquires an exclusive lock using LockFileEx.
//
// TODO: Implement using golang.org/x/sys/windows.LockFileEx.
// Currently returns nil (no-op) for stub implementation; single-process
// use on Windows is still serialized by the manager mutex.
func (l *WindowsGuardLocker) Lock(f *os.File) error {
	return nil
}

// Unlock releases the lock using UnlockFileEx.
//
// TODO: Implement using golang.org/x/sys/windows.UnlockFileEx.
func (l *WindowsGuardLocker) Unlock(f *os.File) error {
	return nil
}

// isProcessAlive checks if a process exists using OpenProcess.
//
// TODO: Implement using golang.org/x/sys/windows.OpenProcess.
// Returning true keeps staleness detection conservative: unknown
// processes are treated as alive so their leases expire by TTL only.
func isProcessAlive(pid int) bool {
	return true
}

// newPlatformLocker returns a Windows-specific guard locker.
func newPlatformLocker() GuardLocker {
	return &WindowsGuardLocker{}
}
