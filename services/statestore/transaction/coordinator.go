// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction coordinates multi-path atomic updates over the
// canonical record tree.
//
// A transaction buffers its writes in memory and validates logical
// clocks optimistically at commit: the first committer wins, later
// committers observe a clock mismatch and fail without touching the
// tree. Commit takes a shared tree lease plus exclusive per-path
// leases in lexicographic order, applies the write set through the
// atomic writer, and restores captured pre-images if any write fails
// partway.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/statevault/services/statestore/atomicio"
	"github.com/AleutianAI/statevault/services/statestore/audit"
	"github.com/AleutianAI/statevault/services/statestore/cache"
	"github.com/AleutianAI/statevault/services/statestore/codec"
	"github.com/AleutianAI/statevault/services/statestore/lock"
)

// FileWriter applies record files to the tree. The production
// implementation is the atomic writer; tests inject failing writers to
// exercise the pre-image restore path.
type FileWriter interface {
	WriteFile(path string, data []byte, perm os.FileMode) error
	RemoveFile(path string) error
}

// atomicWriter is the production FileWriter.
type atomicWriter struct{}

func (atomicWriter) WriteFile(path string, data []byte, perm os.FileMode) error {
	return atomicio.WriteFile(path, data, perm)
}

func (atomicWriter) RemoveFile(path string) error {
	return atomicio.RemoveFile(path)
}

// Coordinator manages transaction lifecycles against one record tree.
//
// # Description
//
// Multiple transactions may be active concurrently; transactions with
// disjoint write sets commit independently. Serialization happens at
// commit time through per-path leases and clock validation, never by
// blocking Begin.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Coordinator struct {
	config Config
	locks  *lock.Manager
	cache  *cache.StateCache
	audit  *audit.Log
	writer FileWriter
	logger *slog.Logger
	tracer *Tracer

	mu     sync.Mutex
	active map[string]*Tx
	closed bool
}

// NewCoordinator creates a coordinator over the given record tree.
//
// # Inputs
//
//   - config: Coordinator configuration. StateDir is required.
//   - locks: Lease manager guarding the tree. Required.
//   - recordCache: Read-through cache, updated on commit. May be nil.
//   - journal: Audit journal appended to on commit. May be nil.
//
// # Outputs
//
//   - *Coordinator: Ready-to-use coordinator.
//   - error: Non-nil if configuration is invalid.
func NewCoordinator(config Config, locks *lock.Manager, recordCache *cache.StateCache, journal *audit.Log) (*Coordinator, error) {
	return NewCoordinatorWithWriter(config, locks, recordCache, journal, atomicWriter{})
}

// NewCoordinatorWithWriter creates a coordinator with a custom file
// writer, used by tests to simulate mid-commit write failures.
func NewCoordinatorWithWriter(config Config, locks *lock.Manager, recordCache *cache.StateCache, journal *audit.Log, writer FileWriter) (*Coordinator, error) {
	if config.StateDir == "" {
		return nil, fmt.Errorf("StateDir is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}

	absDir, err := filepath.Abs(config.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir: %w", err)
	}
	config.StateDir = absDir

	if config.SessionID == "" {
		config.SessionID = fmt.Sprintf("pid-%d", os.Getpid())
	}
	if config.TxTTL == 0 {
		config.TxTTL = 5 * time.Minute
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = 30 * time.Second
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}

	if err := os.MkdirAll(config.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	logger := slog.Default().With("component", "transaction.Coordinator")

	SetMetricsEnabled(config.MetricsEnabled)
	tracer := NewTracer(logger, config.TracingEnabled)

	return &Coordinator{
		config: config,
		locks:  locks,
		cache:  recordCache,
		audit:  journal,
		writer: writer,
		logger: logger,
		tracer: tracer,
		active: make(map[string]*Tx),
	}, nil
}

// Begin starts a new transaction.
//
// # Description
//
// Begin never blocks on other transactions. The returned transaction
// expires after the configured TTL; an expired transaction is rolled
// back when Commit is attempted.
//
// # Outputs
//
//   - *Tx: The active transaction.
//   - error: ErrCoordinatorClosed after Close.
func (c *Coordinator) Begin(ctx context.Context, actor string) (tx *Tx, err error) {
	ctx, span := c.tracer.StartBegin(ctx, actor)
	defer func() { c.tracer.EndBegin(span, tx, err) }()

	logger := LoggerWithTrace(ctx, c.logger)

	defer func() {
		recordBegin(ctx, err == nil)
		if err == nil {
			incActive(ctx)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	if actor == "" {
		actor = c.config.SessionID
	}

	now := time.Now()
	tx = &Tx{
		id:        uuid.New().String(),
		actor:     actor,
		startedAt: now,
		expiresAt: now.Add(c.config.TxTTL),
		coord:     c,
		status:    StatusActive,
		observed:  make(map[string]uint64),
		writes:    make(map[string]*pendingWrite),
	}
	tx.owner = c.locks.NewOwner(tx.id)
	c.active[tx.id] = tx

	logger.Info("transaction started",
		"tx_id", tx.id,
		"actor", actor,
		"expires_at", tx.expiresAt.Format(time.RFC3339))

	return tx, nil
}

// Get returns the payload at path as seen by this transaction.
//
// # Description
//
// A path the transaction has written returns the buffered payload
// (read-your-writes). Otherwise the record is read through the cache
// and the observed logical clock is pinned for commit validation.
// A buffered delete and a never-written path both return ErrNotFound.
//
// # Outputs
//
//   - []byte: The record payload. Nil on error.
//   - error: ErrTxNotActive, cache.ErrNotFound, or a decode error.
func (t *Tx) Get(ctx context.Context, path string) ([]byte, error) {
	path = normalizePath(path)

	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return nil, ErrTxNotActive
	}
	if w, ok := t.writes[path]; ok {
		t.mu.Unlock()
		if w.delete {
			return nil, fmt.Errorf("%s: %w", path, cache.ErrNotFound)
		}
		return w.payload, nil
	}
	t.mu.Unlock()

	rec, err := t.coord.readRecord(ctx, path)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			t.observe(path, 0)
		}
		return nil, err
	}

	t.observe(path, rec.LogicalClock)
	return rec.Payload, nil
}

// Put buffers a write of payload at path.
//
// The path's current logical clock is pinned on first touch so Commit
// can detect concurrent modification.
func (t *Tx) Put(ctx context.Context, path string, payload []byte) error {
	path = normalizePath(path)

	if err := t.pin(ctx, path); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return ErrTxNotActive
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.writes[path] = &pendingWrite{payload: buf}
	return nil
}

// Delete buffers a tombstone at path.
func (t *Tx) Delete(ctx context.Context, path string) error {
	path = normalizePath(path)

	if err := t.pin(ctx, path); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return ErrTxNotActive
	}
	t.writes[path] = &pendingWrite{delete: true}
	return nil
}

// pin records the path's current logical clock on first touch.
func (t *Tx) pin(ctx context.Context, path string) error {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return ErrTxNotActive
	}
	if _, ok := t.observed[path]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	clock, err := t.coord.readClock(ctx, path)
	if err != nil {
		return err
	}
	t.observe(path, clock)
	return nil
}

// observe pins the clock for a path if it is not pinned already.
func (t *Tx) observe(path string, clock uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.observed[path]; !ok {
		t.observed[path] = clock
	}
}

// Commit validates and applies the transaction's write set.
//
// # Description
//
// Acquires a shared tree lease plus exclusive leases on every written
// path in lexicographic order, then checks each written path's logical
// clock against the value pinned when the transaction first touched
// it. On a mismatch nothing is written and a *ConflictError is
// returned. Otherwise every write lands through the atomic writer with
// the clock advanced by one; if a write fails partway, the captured
// pre-images are restored so the tree never exposes a partial commit.
//
// # Outputs
//
//   - *Result: Information about the committed transaction.
//   - error: *ConflictError, ErrTxExpired, ErrTxNotActive,
//     ErrCommitFailed, or a lease acquisition error.
func (c *Coordinator) Commit(ctx context.Context, tx *Tx) (result *Result, err error) {
	ctx, span := c.tracer.StartCommit(ctx, tx)
	defer func() { c.tracer.EndCommit(span, result, err) }()

	logger := LoggerWithTrace(ctx, c.logger)

	defer func() {
		if err == nil && result != nil {
			recordCommit(ctx, result.Duration, result.PathsWritten, true)
		} else {
			recordCommit(ctx, tx.Duration(), tx.WriteCount(), false)
		}
		decActive(ctx)
	}()

	tx.mu.Lock()
	if tx.status != StatusActive {
		tx.mu.Unlock()
		return nil, ErrTxNotActive
	}
	c.tracer.RecordStateTransition(ctx, tx.id, tx.status, StatusCommitting, time.Since(tx.startedAt))
	tx.status = StatusCommitting
	writes := tx.writes
	observed := tx.observed
	tx.mu.Unlock()

	if tx.IsExpired() {
		logger.Warn("transaction expired, rolling back",
			"tx_id", tx.id,
			"started_at", tx.startedAt.Format(time.RFC3339))
		c.tracer.RecordExpiration(ctx, tx.id)
		recordExpired(ctx)
		c.finish(tx, StatusRolledBack)
		return nil, ErrTxExpired
	}

	paths := sortedPaths(writes)
	if len(paths) == 0 {
		// Read-only transaction: nothing to validate or apply.
		c.finish(tx, StatusCommitted)
		logger.Info("read-only transaction committed", "tx_id", tx.id)
		return &Result{
			TransactionID: tx.id,
			Status:        StatusCommitted,
			Duration:      tx.Duration(),
		}, nil
	}

	logger.Info("committing transaction",
		"tx_id", tx.id,
		"paths_written", len(paths))

	// Shared tree lease first, so a tree-wide restore excludes all
	// commits without commits excluding each other.
	if _, err = tx.owner.Acquire(ctx, lock.TreeResource, lock.Shared, c.config.LockTimeout); err != nil {
		c.fail(tx, err)
		return nil, fmt.Errorf("acquiring tree lease: %w", err)
	}
	if err = tx.owner.AcquireAll(ctx, paths, lock.Exclusive, c.config.LockTimeout); err != nil {
		c.fail(tx, err)
		return nil, fmt.Errorf("acquiring path leases: %w", err)
	}

	// Optimistic validation under the leases.
	for _, path := range paths {
		current, clockErr := c.readClock(ctx, path)
		if clockErr != nil {
			c.fail(tx, clockErr)
			return nil, fmt.Errorf("validating %s: %w", path, clockErr)
		}
		if current != observed[path] {
			conflict := &ConflictError{Path: path, Observed: observed[path], Current: current}
			c.tracer.RecordConflict(ctx, tx.id, conflict)
			recordConflict(ctx)
			logger.Warn("commit conflict",
				"tx_id", tx.id,
				"path", path,
				"observed_clock", conflict.Observed,
				"current_clock", conflict.Current)
			c.finish(tx, StatusRolledBack)
			return nil, conflict
		}
	}

	// Capture pre-images before mutating anything.
	preImages := make(map[string][]byte, len(paths))
	for _, path := range paths {
		raw, readErr := os.ReadFile(c.filePath(path))
		switch {
		case readErr == nil:
			preImages[path] = raw
		case os.IsNotExist(readErr):
			preImages[path] = nil
		default:
			c.fail(tx, readErr)
			return nil, fmt.Errorf("capturing pre-image of %s: %w", path, readErr)
		}
	}

	now := time.Now()
	entries := make([]audit.Entry, 0, len(paths))
	newRecords := make(map[string]*codec.Record, len(paths))

	for i, path := range paths {
		w := writes[path]
		applyErr := c.applyWrite(ctx, path, w, observed[path]+1, now, newRecords)
		if applyErr != nil {
			logger.Error("write failed mid-commit, restoring pre-images",
				"tx_id", tx.id,
				"path", path,
				"applied", i,
				"error", applyErr)
			if restoreErr := c.restorePreImages(ctx, paths[:i], preImages); restoreErr != nil {
				c.fail(tx, restoreErr)
				return nil, fmt.Errorf("%w after %v: %v", ErrRestoreFailed, applyErr, restoreErr)
			}
			c.fail(tx, applyErr)
			return nil, fmt.Errorf("%w: writing %s: %v", ErrCommitFailed, path, applyErr)
		}

		op := audit.OpPut
		if w.delete {
			op = audit.OpDelete
		}
		entries = append(entries, audit.Entry{
			Actor:        tx.actor,
			Path:         path,
			Op:           op,
			LogicalClock: observed[path] + 1,
			Timestamp:    now,
			TxID:         tx.id,
		})
	}

	// The write set is durable; journal and cache updates follow.
	if c.audit != nil {
		if auditErr := c.audit.Append(ctx, entries...); auditErr != nil {
			logger.Warn("failed to append audit entries",
				"tx_id", tx.id,
				"error", auditErr)
		}
	}
	if c.cache != nil {
		for path, rec := range newRecords {
			c.cache.Put(path, rec)
		}
		for _, path := range paths {
			if writes[path].delete {
				c.cache.Invalidate(path)
			}
		}
	}

	c.finish(tx, StatusCommitted)
	result = &Result{
		TransactionID: tx.id,
		Status:        StatusCommitted,
		Duration:      tx.Duration(),
		PathsWritten:  len(paths),
	}

	logger.Info("transaction committed",
		"tx_id", tx.id,
		"duration", result.Duration,
		"paths_written", result.PathsWritten)

	return result, nil
}

// Rollback discards the transaction's buffered writes.
//
// Nothing was applied to the tree, so rollback only releases leases
// and drops the buffers.
func (c *Coordinator) Rollback(ctx context.Context, tx *Tx, reason string) (result *Result, err error) {
	ctx, span := c.tracer.StartRollback(ctx, tx, reason)
	defer func() { c.tracer.EndRollback(span, result, err) }()

	logger := LoggerWithTrace(ctx, c.logger)

	defer func() {
		if result != nil {
			recordRollback(ctx, result.Duration, result.PathsWritten, reason)
		}
		decActive(ctx)
	}()

	tx.mu.Lock()
	if tx.status != StatusActive {
		tx.mu.Unlock()
		return nil, ErrTxNotActive
	}
	c.tracer.RecordStateTransition(ctx, tx.id, tx.status, StatusRollingBack, time.Since(tx.startedAt))
	tx.status = StatusRollingBack
	pending := len(tx.writes)
	tx.mu.Unlock()

	c.finish(tx, StatusRolledBack)

	result = &Result{
		TransactionID:  tx.id,
		Status:         StatusRolledBack,
		Duration:       tx.Duration(),
		PathsWritten:   pending,
		RollbackReason: reason,
	}

	logger.Info("transaction rolled back",
		"tx_id", tx.id,
		"reason", reason,
		"writes_discarded", pending)

	return result, nil
}

// ActiveCount returns the number of in-flight transactions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close rolls back every active transaction and shuts the coordinator.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stranded := make([]*Tx, 0, len(c.active))
	for _, tx := range c.active {
		stranded = append(stranded, tx)
	}
	c.mu.Unlock()

	for _, tx := range stranded {
		c.logger.Warn("closing coordinator with active transaction, rolling back",
			"tx_id", tx.id)
		if _, err := c.Rollback(context.Background(), tx, "coordinator closed"); err != nil {
			c.logger.Warn("rollback on close failed", "tx_id", tx.id, "error", err)
		}
	}
	return nil
}

// =============================================================================
// Internals
// =============================================================================

// applyWrite lands one mutation with the advanced clock.
func (c *Coordinator) applyWrite(ctx context.Context, path string, w *pendingWrite, clock uint64, now time.Time, newRecords map[string]*codec.Record) error {
	file := c.filePath(path)

	if w.delete {
		start := time.Now()
		err := c.writer.RemoveFile(file)
		recordFileOp(ctx, "remove", time.Since(start), err)
		return err
	}

	rec := &codec.Record{
		SchemaVersion: codec.SchemaVersion,
		LogicalClock:  clock,
		WrittenAt:     now,
		Payload:       w.payload,
	}
	data, err := codec.Encode(rec)
	if err != nil {
		return err
	}

	start := time.Now()
	err = c.writer.WriteFile(file, data, c.config.FileMode)
	recordFileOp(ctx, "write", time.Since(start), err)
	if err != nil {
		return err
	}

	newRecords[path] = rec
	return nil
}

// restorePreImages undoes already applied writes after a failure.
func (c *Coordinator) restorePreImages(ctx context.Context, applied []string, preImages map[string][]byte) error {
	var firstErr error
	for i := len(applied) - 1; i >= 0; i-- {
		path := applied[i]
		file := c.filePath(path)

		var err error
		start := time.Now()
		if raw := preImages[path]; raw == nil {
			err = c.writer.RemoveFile(file)
			recordFileOp(ctx, "remove", time.Since(start), err)
		} else {
			err = c.writer.WriteFile(file, raw, c.config.FileMode)
			recordFileOp(ctx, "write", time.Since(start), err)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restoring %s: %w", path, err)
		}
		if c.cache != nil {
			c.cache.Invalidate(path)
		}
	}
	return firstErr
}

// finish releases leases and removes the transaction from the active set.
func (c *Coordinator) finish(tx *Tx, status Status) {
	tx.mu.Lock()
	tx.status = status
	tx.mu.Unlock()

	if err := tx.owner.ReleaseAll(); err != nil {
		c.logger.Warn("failed to release leases", "tx_id", tx.id, "error", err)
	}

	c.mu.Lock()
	delete(c.active, tx.id)
	c.mu.Unlock()
}

// fail marks the transaction failed and releases its leases.
func (c *Coordinator) fail(tx *Tx, err error) {
	tx.mu.Lock()
	tx.errMsg = err.Error()
	tx.mu.Unlock()
	c.finish(tx, StatusFailed)
}

// readRecord reads the decoded record at path, through the cache when
// one is wired.
func (c *Coordinator) readRecord(ctx context.Context, path string) (*codec.Record, error) {
	if c.cache != nil {
		return c.cache.Get(ctx, path)
	}
	return ReadRecord(c.config.StateDir, path)
}

// readClock returns the current logical clock at path, zero for a path
// that has never been written.
//
// Reads the header from disk rather than the cache: validation must
// see the tree, not a possibly stale cached record.
func (c *Coordinator) readClock(_ context.Context, path string) (uint64, error) {
	raw, err := os.ReadFile(c.filePath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	hdr, err := codec.PeekHeader(raw)
	if err != nil {
		return 0, err
	}
	return hdr.LogicalClock, nil
}

// filePath maps a logical state path to its file under StateDir.
func (c *Coordinator) filePath(path string) string {
	return filepath.Join(c.config.StateDir, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

// ReadRecord reads and decodes the record at a logical path directly
// from disk. Used as the cache loader and by callers that bypass the
// cache.
func ReadRecord(stateDir, path string) (*codec.Record, error) {
	file := filepath.Join(stateDir, filepath.FromSlash(strings.TrimPrefix(normalizePath(path), "/")))
	raw, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, cache.ErrNotFound)
		}
		return nil, err
	}
	return codec.Decode(raw)
}

// normalizePath canonicalizes a logical state path to the cache's
// leading-slash, forward-slash form so lease IDs, audit entries, and
// cache keys all agree on one spelling.
func normalizePath(path string) string {
	return cache.NormalizePath(path)
}

// sortedPaths returns the write set paths in lexicographic order.
func sortedPaths(writes map[string]*pendingWrite) []string {
	out := make([]string, 0, len(writes))
	for path := range writes {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
