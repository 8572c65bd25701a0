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
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// TreeResource is the reserved resource ID covering the whole state tree.
//
// Commits take it shared before any per-path lease; restore takes it
// exclusive. Because it is acquired before all path resources by every
// caller, it extends the global acquisition order rather than breaking it.
const TreeResource = "__tree__"

// Sentinel errors for lease operations.
var (
	// ErrLockTimeout indicates the timeout elapsed before the lease could
	// be granted. Retryable by the caller.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockUpgrade indicates an exclusive request while this manager
	// already holds a shared lease on the same resource. Upgrades are
	// forbidden; request the final mode up front.
	ErrLockUpgrade = errors.New("lock upgrade not permitted")

	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("lock manager is closed")
)

// Mode is the lease mode for a resource.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota

	// Exclusive allows exactly one holder and excludes shared holders.
	Exclusive
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Lease is the durable representation of one granted lock.
//
// Lease records live in per-resource JSON files in the lock directory,
// so any process can inspect holders and detect staleness. A lease is
// stale when it has expired or its holder process no longer exists.
type Lease struct {
	ResourceID  string    `json:"resource_id"`
	HolderToken string    `json:"holder_token"`
	Mode        string    `json:"mode"`
	PID         int       `json:"pid"`
	SessionID   string    `json:"session_id,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease TTL has elapsed.
func (l *Lease) IsExpired() bool {
	return time.Now().After(l.ExpiresAt)
}

// IsStale reports whether the lease should be reclaimed: expired TTL or
// a holder process that no longer exists.
func (l *Lease) IsStale() bool {
	return l.IsExpired() || !IsProcessAlive(l.PID)
}

// leaseFile is the on-disk lease record for one resource.
type leaseFile struct {
	ResourceID string  `json:"resource_id"`
	Holders    []Lease `json:"holders"`
}

// pruneStale removes stale holders in place and returns how many were
// dropped.
func (f *leaseFile) pruneStale() int {
	kept := f.Holders[:0]
	dropped := 0
	for _, holder := range f.Holders {
		if holder.IsStale() {
			dropped++
			continue
		}
		kept = append(kept, holder)
	}
	f.Holders = kept
	return dropped
}

// exclusiveHolder returns the exclusive lease, if any.
func (f *leaseFile) exclusiveHolder() *Lease {
	for i := range f.Holders {
		if f.Holders[i].Mode == Exclusive.String() {
			return &f.Holders[i]
		}
	}
	return nil
}

// Handle references a granted lease.
//
// Release through the manager is idempotent: releasing an
// already-released handle is a no-op and does not affect other holders.
type Handle struct {
	resourceID string
	token      string
	mode       Mode
	released   atomic.Bool
}

// Resource returns the resource ID the handle covers.
func (h *Handle) Resource() string { return h.resourceID }

// Token returns the opaque holder token.
func (h *Handle) Token() string { return h.token }

// Mode returns the granted mode.
func (h *Handle) Mode() Mode { return h.mode }

func (h *Handle) String() string {
	return fmt.Sprintf("lock[%s %s %s]", h.resourceID, h.mode, h.token)
}

// Config configures a Manager.
type Config struct {
	// Dir is the lease directory. Created if missing.
	Dir string

	// SessionID tags leases for debugging. Optional.
	SessionID string

	// DefaultTTL bounds how long a lease survives a crashed holder.
	// Default: 1 minute.
	DefaultTTL time.Duration

	// PollInterval bounds how often blocked acquirers re-check for
	// leases freed by TTL expiry in other processes. Default: 25ms.
	PollInterval time.Duration

	// CleanupOnInit sweeps stale leases when the manager is created.
	CleanupOnInit bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:   time.Minute,
		PollInterval: 25 * time.Millisecond,
	}
}
