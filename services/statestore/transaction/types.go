// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/statevault/services/statestore/lock"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTxNotActive is returned when an operation references a
	// transaction that has already committed, rolled back, or failed.
	ErrTxNotActive = errors.New("transaction is not active")

	// ErrTxExpired is returned by Commit when the transaction outlived
	// its TTL. The transaction is rolled back automatically.
	ErrTxExpired = errors.New("transaction expired")

	// ErrCommitFailed is returned when applying the write set failed
	// and the pre-images were restored.
	ErrCommitFailed = errors.New("commit failed, pre-images restored")

	// ErrRestoreFailed is returned when a mid-commit failure could not
	// be undone. The tree may hold a partial write set; run recovery.
	ErrRestoreFailed = errors.New("pre-image restore failed")

	// ErrCoordinatorClosed is returned after Close.
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)

// ConflictError reports an optimistic concurrency failure: the logical
// clock of a path changed between the transaction observing it and
// attempting to commit.
type ConflictError struct {
	Path     string
	Observed uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: observed clock %d, current clock %d",
		e.Path, e.Observed, e.Current)
}

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusActive      Status = "active"
	StatusCommitting  Status = "committing"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
)

// =============================================================================
// Transaction
// =============================================================================

// pendingWrite is one buffered mutation.
type pendingWrite struct {
	payload []byte
	delete  bool
}

// Tx is an in-flight transaction.
//
// # Description
//
// Reads record the logical clock they observed; writes are buffered in
// memory until Commit. Nothing touches the canonical tree before
// Commit, so Rollback only discards buffers.
//
// # Thread Safety
//
// Safe for concurrent use, though a transaction is normally driven
// from a single goroutine.
type Tx struct {
	id        string
	actor     string
	startedAt time.Time
	expiresAt time.Time

	coord *Coordinator
	owner *lock.Owner

	mu       sync.Mutex
	status   Status
	observed map[string]uint64 // path -> logical clock at first touch
	writes   map[string]*pendingWrite
	errMsg   string
}

// ID returns the transaction identifier.
func (t *Tx) ID() string { return t.id }

// Actor returns the identity that began the transaction.
func (t *Tx) Actor() string { return t.actor }

// Status returns the current lifecycle state.
func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsExpired reports whether the transaction outlived its TTL.
func (t *Tx) IsExpired() bool {
	return time.Now().After(t.expiresAt)
}

// Duration returns how long the transaction has been running.
func (t *Tx) Duration() time.Duration {
	return time.Since(t.startedAt)
}

// WriteCount returns the number of buffered mutations.
func (t *Tx) WriteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// =============================================================================
// Result
// =============================================================================

// Result describes a finished transaction.
type Result struct {
	TransactionID  string
	Status         Status
	Duration       time.Duration
	PathsWritten   int
	RollbackReason string
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Coordinator.
type Config struct {
	// StateDir is the root of the canonical record tree. Required.
	StateDir string

	// SessionID identifies this process for auditing. Defaults to
	// "pid-<pid>".
	SessionID string

	// TxTTL bounds transaction lifetime. An expired transaction is
	// rolled back on Commit. Default: 5 minutes.
	TxTTL time.Duration

	// LockTimeout bounds lease acquisition during Commit.
	// Default: 30 seconds.
	LockTimeout time.Duration

	// FileMode is the permission for written record files.
	// Default: 0644.
	FileMode os.FileMode

	// MetricsEnabled controls OpenTelemetry metric recording.
	MetricsEnabled bool

	// TracingEnabled controls OpenTelemetry span creation.
	TracingEnabled bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TxTTL:          5 * time.Minute,
		LockTimeout:    30 * time.Second,
		FileMode:       0644,
		MetricsEnabled: true,
	}
}
