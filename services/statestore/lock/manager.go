// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock grants shared and exclusive leases over named resources.
//
// Leases are durable JSON records in a lock directory, so concurrent
// processes can observe holders and reclaim stale leases (expired TTL or
// dead holder PID). Lease-file updates are serialized across processes
// by an advisory flock on a per-resource guard file, and within the
// process by the manager mutex.
//
// Two rules eliminate deadlocks by construction:
//
//   - No upgrades: a holder may not request exclusive while holding
//     shared on the same resource. Callers request the final mode up front.
//   - Fixed order: multi-resource acquisition sorts resource IDs
//     lexicographically, preventing circular waits between transactions.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/AleutianAI/statevault/services/statestore/atomicio"
)

// Manager grants and tracks leases for this process.
//
// # Description
//
// Provides blocking acquisition with timeout, TTL-based lease expiry,
// stale-lease reclamation, and idempotent release. Blocked acquirers are
// woken by in-process release broadcasts, by fsnotify events on the
// lease directory (another process released), and by a poll ticker
// (a lease expired with no filesystem activity).
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	dir          string
	sessionID    string
	defaultTTL   time.Duration
	pollInterval time.Duration
	locker       GuardLocker
	logger       *slog.Logger

	mu      sync.Mutex
	held    map[string]map[string]*Handle // resource -> token -> handle
	waiters map[string]chan struct{}
	closed  bool

	watcher *fsnotify.Watcher
}

// NewManager creates a lease manager rooted at config.Dir.
//
// # Description
//
// Creates the lease directory if needed and starts the directory
// watcher. If CleanupOnInit is set, stale leases from crashed processes
// are reclaimed immediately.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager.
//   - error: Non-nil if the directory or watcher cannot be set up.
func NewManager(config Config) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("lease directory is required")
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = time.Minute
	}
	if config.PollInterval == 0 {
		config.PollInterval = 25 * time.Millisecond
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lease directory %s: %w", config.Dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating lease watcher: %w", err)
	}
	if err := watcher.Add(config.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching lease directory: %w", err)
	}

	m := &Manager{
		dir:          config.Dir,
		sessionID:    config.SessionID,
		defaultTTL:   config.DefaultTTL,
		pollInterval: config.PollInterval,
		locker:       newGuardLocker(),
		logger:       slog.Default().With("component", "lock.Manager"),
		held:         make(map[string]map[string]*Handle),
		waiters:      make(map[string]chan struct{}),
		watcher:      watcher,
	}

	go m.watchLoop()

	if config.CleanupOnInit {
		swept, err := m.SweepStale()
		if err != nil {
			m.logger.Warn("failed to sweep stale leases on init", "error", err)
		} else if swept > 0 {
			m.logger.Info("swept stale leases on init", "count", swept)
		}
	}

	return m, nil
}

// Acquire grants a lease on resourceID in the requested mode.
//
// # Description
//
// Blocks up to timeout while conflicting leases are held: exclusive
// waits for all holders, shared waits only for an exclusive holder.
// Stale leases on the resource are reclaimed in passing. A timeout of
// zero makes a single non-blocking attempt.
//
// # Inputs
//
//   - ctx: Cancels the wait early.
//   - resourceID: Resource name. Must be non-empty.
//   - mode: Shared or Exclusive.
//   - timeout: Maximum time to wait for the lease.
//
// # Outputs
//
//   - *Handle: Granted lease handle. Release it when done.
//   - error: ErrLockTimeout after timeout, ctx.Err() on cancellation,
//     ErrManagerClosed after Close.
//
// Acquire cannot tell whether the blocking holder is the caller itself;
// use an Owner when the no-upgrade rule must be enforced.
func (m *Manager) Acquire(ctx context.Context, resourceID string, mode Mode, timeout time.Duration) (*Handle, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resource ID is required")
	}

	deadline := time.Now().Add(timeout)
	for {
		h, wait, err := m.tryAcquire(resourceID, mode)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("acquiring %s %s: %w", mode, resourceID, ErrLockTimeout)
		}
		if err := m.waitForChange(ctx, wait, remaining); err != nil {
			return nil, err
		}
	}
}

// AcquireAll grants leases on every resource, in lexicographic order.
//
// # Description
//
// Deduplicates and sorts the resource IDs, then acquires each within
// the shared deadline. On any failure the already-granted leases are
// released before returning, so the call is all-or-nothing.
func (m *Manager) AcquireAll(ctx context.Context, resourceIDs []string, mode Mode, timeout time.Duration) ([]*Handle, error) {
	sorted := make([]string, 0, len(resourceIDs))
	seen := make(map[string]struct{}, len(resourceIDs))
	for _, id := range resourceIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	deadline := time.Now().Add(timeout)
	handles := make([]*Handle, 0, len(sorted))
	for _, id := range sorted {
		h, err := m.Acquire(ctx, id, mode, time.Until(deadline))
		if err != nil {
			for i := len(handles) - 1; i >= 0; i-- {
				m.Release(handles[i])
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Release returns a lease.
//
// Idempotent: releasing an already-released handle is a no-op and never
// disturbs other holders. A nil handle is also a no-op.
func (m *Manager) Release(h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}

	err := m.withGuard(h.resourceID, func(lf *leaseFile) bool {
		kept := lf.Holders[:0]
		for _, holder := range lf.Holders {
			if holder.HolderToken != h.token {
				kept = append(kept, holder)
			}
		}
		changed := len(kept) != len(lf.Holders)
		lf.Holders = kept
		return changed
	})

	m.mu.Lock()
	if tokens, ok := m.held[h.resourceID]; ok {
		delete(tokens, h.token)
		if len(tokens) == 0 {
			delete(m.held, h.resourceID)
		}
	}
	m.broadcastLocked(h.resourceID)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("releasing %s: %w", h.resourceID, err)
	}
	m.logger.Debug("released lease", "resource", h.resourceID, "token", h.token)
	return nil
}

// ReleaseAll releases every lease held by this manager.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	var handles []*Handle
	for _, tokens := range m.held {
		for _, h := range tokens {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := m.Release(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Holders returns the current non-stale leases on a resource.
//
// Useful for pre-flight checks and diagnostics; the result is a
// snapshot and may be outdated immediately.
func (m *Manager) Holders(resourceID string) ([]Lease, error) {
	var out []Lease
	err := m.withGuard(resourceID, func(lf *leaseFile) bool {
		for _, holder := range lf.Holders {
			if !holder.IsStale() {
				out = append(out, holder)
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepStale reclaims leases whose TTL has passed or whose holder
// process no longer exists.
//
// # Outputs
//
//   - int: Number of stale leases reclaimed.
//   - error: Non-nil on failure to scan the lease directory.
func (m *Manager) SweepStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lease directory: %w", err)
	}

	swept := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lease" {
			continue
		}
		resource := ""
		err := m.withGuardPath(filepath.Join(m.dir, entry.Name()), func(lf *leaseFile) bool {
			resource = lf.ResourceID
			pruned := lf.pruneStale()
			if pruned > 0 {
				m.logger.Info("reclaiming stale leases",
					"resource", lf.ResourceID,
					"count", pruned)
			}
			swept += pruned
			return pruned > 0
		})
		if err != nil {
			m.logger.Warn("failed to sweep lease file", "file", entry.Name(), "error", err)
			continue
		}
		if resource != "" {
			m.mu.Lock()
			m.broadcastLocked(resource)
			m.mu.Unlock()
		}
	}
	return swept, nil
}

// Close releases all held leases and stops the directory watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.ReleaseAll(); err != nil {
		m.logger.Warn("error releasing leases during close", "error", err)
	}
	return m.watcher.Close()
}

// =============================================================================
// Internal helpers
// =============================================================================

// tryAcquire makes one acquisition attempt.
//
// Returns (handle, nil, nil) on success, (nil, waitCh, nil) when the
// resource is busy, or an error for non-retryable failures.
func (m *Manager) tryAcquire(resourceID string, mode Mode) (*Handle, chan struct{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrManagerClosed
	}
	wait := m.waiterLocked(resourceID)
	m.mu.Unlock()

	token := fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
	now := time.Now()
	lease := Lease{
		ResourceID:  resourceID,
		HolderToken: token,
		Mode:        mode.String(),
		PID:         os.Getpid(),
		SessionID:   m.sessionID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.defaultTTL),
	}

	granted := false
	err := m.withGuard(resourceID, func(lf *leaseFile) bool {
		pruned := lf.pruneStale()
		if excl := lf.exclusiveHolder(); excl != nil {
			return pruned > 0
		}
		if mode == Exclusive && len(lf.Holders) > 0 {
			return pruned > 0
		}
		lf.ResourceID = resourceID
		lf.Holders = append(lf.Holders, lease)
		granted = true
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	if !granted {
		return nil, wait, nil
	}

	h := &Handle{resourceID: resourceID, token: token, mode: mode}
	m.mu.Lock()
	if m.held[resourceID] == nil {
		m.held[resourceID] = make(map[string]*Handle)
	}
	m.held[resourceID][token] = h
	m.mu.Unlock()

	m.logger.Debug("acquired lease",
		"resource", resourceID,
		"mode", mode.String(),
		"expires_at", lease.ExpiresAt.Format(time.RFC3339))
	return h, nil, nil
}

// waitForChange blocks until the resource may have been freed.
func (m *Manager) waitForChange(ctx context.Context, wait chan struct{}, remaining time.Duration) error {
	poll := m.pollInterval
	if poll > remaining {
		poll = remaining
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wait:
		return nil
	case <-timer.C:
		// Poll tick: re-check for cross-process TTL expiry.
		return nil
	}
}

// waiterLocked returns the broadcast channel for a resource (mu held).
func (m *Manager) waiterLocked(resourceID string) chan struct{} {
	ch, ok := m.waiters[resourceID]
	if !ok {
		ch = make(chan struct{})
		m.waiters[resourceID] = ch
	}
	return ch
}

// broadcastLocked wakes all in-process waiters for a resource (mu held).
func (m *Manager) broadcastLocked(resourceID string) {
	if ch, ok := m.waiters[resourceID]; ok {
		close(ch)
		delete(m.waiters, resourceID)
	}
}

// broadcastAll wakes every in-process waiter.
func (m *Manager) broadcastAll() {
	m.mu.Lock()
	for id, ch := range m.waiters {
		close(ch)
		delete(m.waiters, id)
	}
	m.mu.Unlock()
}

// leasePath returns the lease file path for a resource.
// Uses SHA256[:16] of the resource ID for collision resistance.
func (m *Manager) leasePath(resourceID string) string {
	hash := sha256.Sum256([]byte(resourceID))
	return filepath.Join(m.dir, hex.EncodeToString(hash[:])[:16]+".lease")
}

// withGuard runs fn over the lease file for resourceID under the
// advisory guard lock. If fn returns true the lease file is rewritten
// (or removed when no holders remain). Stale holders are pruned before
// fn runs.
func (m *Manager) withGuard(resourceID string, fn func(*leaseFile) bool) error {
	return m.withGuardPath(m.leasePath(resourceID), func(lf *leaseFile) bool {
		if lf.ResourceID == "" {
			lf.ResourceID = resourceID
		}
		return fn(lf)
	})
}

func (m *Manager) withGuardPath(leasePath string, fn func(*leaseFile) bool) error {
	guardPath := leasePath + ".guard"
	guard, err := os.OpenFile(guardPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening guard %s: %w", guardPath, err)
	}
	defer guard.Close()

	if err := m.locker.Lock(guard); err != nil {
		return fmt.Errorf("locking guard %s: %w", guardPath, err)
	}
	defer m.locker.Unlock(guard)

	lf := &leaseFile{}
	data, err := os.ReadFile(leasePath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, lf); err != nil {
			// Unreadable lease files are treated as empty; the guard
			// lock means nobody can be mid-write right now.
			m.logger.Warn("resetting unreadable lease file", "path", leasePath, "error", err)
			lf = &leaseFile{}
		}
	case os.IsNotExist(err):
		// First holder for this resource.
	default:
		return fmt.Errorf("reading lease file %s: %w", leasePath, err)
	}

	changed := fn(lf)
	if !changed {
		return nil
	}

	if len(lf.Holders) == 0 {
		if err := os.Remove(leasePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing lease file %s: %w", leasePath, err)
		}
		return nil
	}

	out, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicio.WriteFile(leasePath, out, 0644); err != nil {
		return fmt.Errorf("writing lease file %s: %w", leasePath, err)
	}
	return nil
}

// watchLoop wakes waiters when another process touches the lease dir.
func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				m.broadcastAll()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("lease watcher error", "error", err)
		}
	}
}
