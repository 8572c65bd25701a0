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
	"fmt"
	"sort"
	"sync"
	"time"
)

// Owner scopes lease acquisition to one logical caller, typically a
// transaction.
//
// # Description
//
// The manager alone cannot distinguish a caller re-requesting a
// resource from an unrelated competitor, so the no-upgrade rule lives
// here: an Owner rejects an exclusive request on a resource it already
// holds shared, instead of self-deadlocking until timeout. Owners also
// make bulk release trivial when a transaction finishes.
//
// # Thread Safety
//
// Safe for concurrent use, though a transaction normally drives its
// Owner from a single goroutine.
type Owner struct {
	m  *Manager
	id string

	mu   sync.Mutex
	held map[string]*Handle // resource -> handle
}

// NewOwner creates an acquisition scope identified by id.
func (m *Manager) NewOwner(id string) *Owner {
	return &Owner{m: m, id: id, held: make(map[string]*Handle)}
}

// Acquire grants a lease in the requested mode, enforcing no-upgrade.
//
// Re-requesting a resource in the mode already held returns the
// existing handle. Requesting exclusive over a held shared lease fails
// fast with ErrLockUpgrade.
func (o *Owner) Acquire(ctx context.Context, resourceID string, mode Mode, timeout time.Duration) (*Handle, error) {
	o.mu.Lock()
	if existing, ok := o.held[resourceID]; ok {
		if existing.Mode() == mode || existing.Mode() == Exclusive {
			o.mu.Unlock()
			return existing, nil
		}
		o.mu.Unlock()
		return nil, fmt.Errorf("owner %s, resource %s: %w", o.id, resourceID, ErrLockUpgrade)
	}
	o.mu.Unlock()

	h, err := o.m.Acquire(ctx, resourceID, mode, timeout)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.held[resourceID] = h
	o.mu.Unlock()
	return h, nil
}

// AcquireAll grants leases on every resource in lexicographic order,
// releasing any newly granted leases on failure.
func (o *Owner) AcquireAll(ctx context.Context, resourceIDs []string, mode Mode, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	sorted := dedupeSorted(resourceIDs)
	var granted []*Handle
	for _, id := range sorted {
		o.mu.Lock()
		_, already := o.held[id]
		o.mu.Unlock()

		h, err := o.Acquire(ctx, id, mode, time.Until(deadline))
		if err != nil {
			for i := len(granted) - 1; i >= 0; i-- {
				o.release(granted[i])
			}
			return err
		}
		if !already {
			granted = append(granted, h)
		}
	}
	return nil
}

// ReleaseAll releases every lease this owner holds.
func (o *Owner) ReleaseAll() error {
	o.mu.Lock()
	handles := make([]*Handle, 0, len(o.held))
	for _, h := range o.held {
		handles = append(handles, h)
	}
	o.held = make(map[string]*Handle)
	o.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := o.m.Release(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Holds reports whether the owner currently holds a lease on resourceID.
func (o *Owner) Holds(resourceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.held[resourceID]
	return ok
}

// release drops one handle from the owner scope and the manager.
func (o *Owner) release(h *Handle) {
	o.mu.Lock()
	delete(o.held, h.Resource())
	o.mu.Unlock()
	o.m.Release(h)
}

// dedupeSorted returns the unique resource IDs in lexicographic order.
func dedupeSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
