// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	config := DefaultConfig()
	config.Dir = filepath.Join(t.TempDir(), "locks")
	config.SessionID = "test-session"
	m, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManager(t *testing.T) {
	t.Run("creates lease directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "locks")
		m, err := NewManager(Config{Dir: dir})
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		defer m.Close()

		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Error("lease directory was not created")
		}
	})

	t.Run("requires a directory", func(t *testing.T) {
		if _, err := NewManager(Config{}); err == nil {
			t.Error("expected error for empty directory")
		}
	})
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "res/a", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h.Mode() != Exclusive {
		t.Errorf("Mode = %v, want Exclusive", h.Mode())
	}

	holders, err := m.Holders("res/a")
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}
	if len(holders) != 1 || holders[0].HolderToken != h.Token() {
		t.Fatalf("Holders = %+v, want single lease with token %s", holders, h.Token())
	}

	if err := m.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	holders, _ = m.Holders("res/a")
	if len(holders) != 0 {
		t.Errorf("holders after release = %d, want 0", len(holders))
	}
}

func TestSharedHoldersCoexist(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "res/a", Shared, time.Second)
	if err != nil {
		t.Fatalf("first shared Acquire failed: %v", err)
	}
	h2, err := m.Acquire(ctx, "res/a", Shared, time.Second)
	if err != nil {
		t.Fatalf("second shared Acquire failed: %v", err)
	}

	holders, _ := m.Holders("res/a")
	if len(holders) != 2 {
		t.Errorf("holders = %d, want 2", len(holders))
	}

	m.Release(h1)
	m.Release(h2)
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Thread A: exclusive lock.
	hA, err := m.Acquire(ctx, "res/d", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("exclusive Acquire failed: %v", err)
	}

	// Thread B: shared request blocks until A releases or 100ms elapses.
	start := time.Now()
	_, err = m.Acquire(ctx, "res/d", Shared, 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("shared Acquire error = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("timed out after %v, expected to block ~100ms", elapsed)
	}

	// After release the shared request succeeds.
	m.Release(hA)
	hB, err := m.Acquire(ctx, "res/d", Shared, time.Second)
	if err != nil {
		t.Fatalf("shared Acquire after release failed: %v", err)
	}
	m.Release(hB)
}

func TestSharedBlocksExclusive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	done := make(chan struct{})
	hS, err := m.Acquire(ctx, "res/a", Shared, time.Second)
	if err != nil {
		t.Fatalf("shared Acquire failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h, err := m.Acquire(ctx, "res/a", Exclusive, 2*time.Second)
		if err != nil {
			t.Errorf("exclusive Acquire failed: %v", err)
			return
		}
		close(done)
		m.Release(h)
	}()

	select {
	case <-done:
		t.Fatal("exclusive granted while shared held")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(hS)
	wg.Wait()
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "res/a", Shared, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h2, err := m.Acquire(ctx, "res/a", Shared, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := m.Release(h1); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	// Second release of the same handle must not disturb h2.
	if err := m.Release(h1); err != nil {
		t.Fatalf("double Release failed: %v", err)
	}

	holders, _ := m.Holders("res/a")
	if len(holders) != 1 || holders[0].HolderToken != h2.Token() {
		t.Errorf("holders after double release = %+v, want only h2", holders)
	}
	m.Release(h2)
}

func TestUpgradeForbidden(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner := m.NewOwner("tx-1")

	if _, err := owner.Acquire(ctx, "res/a", Shared, time.Second); err != nil {
		t.Fatalf("shared Acquire failed: %v", err)
	}
	defer owner.ReleaseAll()

	_, err := owner.Acquire(ctx, "res/a", Exclusive, time.Second)
	if !errors.Is(err, ErrLockUpgrade) {
		t.Fatalf("exclusive over shared error = %v, want ErrLockUpgrade", err)
	}
}

func TestOwnerReacquireAndReleaseAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner := m.NewOwner("tx-1")

	h1, err := owner.Acquire(ctx, "res/a", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// Re-requesting a held resource returns the existing handle; an
	// exclusive holder satisfies a shared request.
	h2, err := owner.Acquire(ctx, "res/a", Exclusive, time.Second)
	if err != nil || h2 != h1 {
		t.Fatalf("re-Acquire = (%v, %v), want existing handle", h2, err)
	}
	if h3, err := owner.Acquire(ctx, "res/a", Shared, time.Second); err != nil || h3 != h1 {
		t.Fatalf("shared re-Acquire = (%v, %v), want existing handle", h3, err)
	}

	if err := owner.AcquireAll(ctx, []string{"res/a", "res/b"}, Exclusive, time.Second); err != nil {
		t.Fatalf("AcquireAll failed: %v", err)
	}
	if !owner.Holds("res/b") {
		t.Error("owner does not hold res/b")
	}

	if err := owner.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}
	for _, res := range []string{"res/a", "res/b"} {
		holders, _ := m.Holders(res)
		if len(holders) != 0 {
			t.Errorf("%s still held after ReleaseAll: %+v", res, holders)
		}
	}
}

func TestAcquireAllSortedAndAtomic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	t.Run("grants in lexicographic order", func(t *testing.T) {
		handles, err := m.AcquireAll(ctx, []string{"res/c", "res/a", "res/b", "res/a"}, Exclusive, time.Second)
		if err != nil {
			t.Fatalf("AcquireAll failed: %v", err)
		}
		want := []string{"res/a", "res/b", "res/c"}
		if len(handles) != len(want) {
			t.Fatalf("handles = %d, want %d", len(handles), len(want))
		}
		for i, h := range handles {
			if h.Resource() != want[i] {
				t.Errorf("handles[%d] = %s, want %s", i, h.Resource(), want[i])
			}
			m.Release(h)
		}
	})

	t.Run("releases granted leases on failure", func(t *testing.T) {
		blocker, err := m.Acquire(ctx, "res/z", Exclusive, time.Second)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer m.Release(blocker)

		_, err = m.AcquireAll(ctx, []string{"res/a", "res/z"}, Exclusive, 50*time.Millisecond)
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("AcquireAll error = %v, want ErrLockTimeout", err)
		}

		// res/a must have been released.
		h, err := m.Acquire(ctx, "res/a", Exclusive, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("res/a still held after failed AcquireAll: %v", err)
		}
		m.Release(h)
	})
}

func TestContextCancellation(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := m.Acquire(context.Background(), "res/a", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer m.Release(h)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "res/a", Exclusive, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire error = %v, want context.Canceled", err)
	}
}

func TestSweepStale(t *testing.T) {
	m := newTestManager(t)

	// Plant a lease file with one expired holder and one dead-PID holder.
	stale := leaseFile{
		ResourceID: "res/stale",
		Holders: []Lease{
			{
				ResourceID:  "res/stale",
				HolderToken: "expired-token",
				Mode:        Exclusive.String(),
				PID:         os.Getpid(),
				AcquiredAt:  time.Now().Add(-2 * time.Hour),
				ExpiresAt:   time.Now().Add(-time.Hour),
			},
		},
	}
	data, _ := json.Marshal(&stale)
	if err := os.WriteFile(m.leasePath("res/stale"), data, 0644); err != nil {
		t.Fatalf("planting lease file: %v", err)
	}

	swept, err := m.SweepStale()
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	// Resource is now acquirable without waiting.
	h, err := m.Acquire(context.Background(), "res/stale", Exclusive, 0)
	if err != nil {
		t.Fatalf("Acquire after sweep failed: %v", err)
	}
	m.Release(h)
}

func TestStaleLeaseReclaimedOnAcquire(t *testing.T) {
	m := newTestManager(t)

	expired := leaseFile{
		ResourceID: "res/a",
		Holders: []Lease{{
			ResourceID:  "res/a",
			HolderToken: "old",
			Mode:        Exclusive.String(),
			PID:         os.Getpid(),
			ExpiresAt:   time.Now().Add(-time.Minute),
		}},
	}
	data, _ := json.Marshal(&expired)
	if err := os.WriteFile(m.leasePath("res/a"), data, 0644); err != nil {
		t.Fatalf("planting lease file: %v", err)
	}

	// A non-blocking acquire reclaims the expired lease in passing.
	h, err := m.Acquire(context.Background(), "res/a", Exclusive, 0)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Release(h)
}

func TestManagerClosed(t *testing.T) {
	m := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := m.Acquire(context.Background(), "res/a", Shared, 0)
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Acquire after Close = %v, want ErrManagerClosed", err)
	}
	// Close is idempotent.
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
