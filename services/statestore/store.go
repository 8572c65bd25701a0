// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statestore is the facade over the persistent state store.
//
// A Store treats a directory tree of record files as the canonical
// state. Reads go through a decoded-record cache, writes go through
// the transaction coordinator, external edits are observed by a
// filesystem watcher, and recovery runs before the store accepts any
// traffic.
package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/statevault/pkg/logging"
	"github.com/AleutianAI/statevault/services/statestore/audit"
	"github.com/AleutianAI/statevault/services/statestore/cache"
	"github.com/AleutianAI/statevault/services/statestore/codec"
	"github.com/AleutianAI/statevault/services/statestore/lock"
	"github.com/AleutianAI/statevault/services/statestore/recovery"
	"github.com/AleutianAI/statevault/services/statestore/snapshot"
	"github.com/AleutianAI/statevault/services/statestore/transaction"
	"github.com/AleutianAI/statevault/services/statestore/watch"
)

// Directory layout under the configured root.
const (
	stateDirName   = "state"
	controlDirName = ".statevault"
	locksDirName   = "locks"
	snapsDirName   = "snapshots"
	auditDirName   = "audit"
)

// ErrNotFound reports a read of a path with no committed record.
var ErrNotFound = cache.ErrNotFound

// ErrRecoveryFailed reports that the boot recovery pass left the tree
// unusable. The wrapped report text names the failing records.
var ErrRecoveryFailed = fmt.Errorf("recovery left unrepaired damage")

// Store wires the state store components behind one handle.
//
// # Thread Safety
//
// Safe for concurrent use once Open returns.
type Store struct {
	config   Config
	root     string
	stateDir string

	logger    *logging.Logger
	locks     *lock.Manager
	journal   *audit.Log
	cache     *cache.StateCache
	watcher   *watch.Watcher
	coord     *transaction.Coordinator
	snapshots *snapshot.Manager
	report    *recovery.Report

	invalidateSub *watch.Subscription
	wg            sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open builds a Store rooted at config.Root.
//
// # Description
//
// Creates the on-disk layout if missing, then runs the recovery pass
// (stale lease sweep, orphaned temp removal, restore resumption,
// integrity verification, repair) before wiring the live components.
// Open fails if recovery cannot bring the tree to a usable state.
//
// # Outputs
//
//   - *Store: Ready store. Callers own Close.
//   - error: Non-nil on config, IO, or recovery failure.
func Open(config Config) (*Store, error) {
	return OpenWithRegistry(config, prometheus.DefaultRegisterer)
}

// OpenWithRegistry is Open with an explicit metrics registry.
//
// Tests pass a fresh registry so repeated opens do not collide on
// metric registration.
func OpenWithRegistry(config Config, reg prometheus.Registerer) (*Store, error) {
	config = withDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", config.Root, err)
	}
	stateDir := filepath.Join(root, stateDirName)
	controlDir := filepath.Join(root, controlDirName)
	for _, dir := range []string{stateDir, controlDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(config.Logging.Level),
		LogDir:  config.Logging.Dir,
		Service: "statevault",
		JSON:    config.Logging.JSON,
		Quiet:   config.Logging.Quiet,
	})

	s := &Store{
		config:   config,
		root:     root,
		stateDir: stateDir,
		logger:   logger,
	}

	if err := s.boot(reg, controlDir); err != nil {
		s.teardown()
		return nil, err
	}
	return s, nil
}

// boot brings up the components in dependency order.
func (s *Store) boot(reg prometheus.Registerer, controlDir string) error {
	var err error

	s.locks, err = lock.NewManager(lock.Config{
		Dir:           filepath.Join(controlDir, locksDirName),
		SessionID:     uuid.NewString(),
		DefaultTTL:    s.config.Locks.TTL.Std(),
		PollInterval:  s.config.Locks.PollInterval.Std(),
		CleanupOnInit: s.config.Locks.SweepOnOpen,
	})
	if err != nil {
		return fmt.Errorf("starting lock manager: %w", err)
	}

	s.snapshots, err = snapshot.NewManager(snapshot.Config{
		StateDir:    s.stateDir,
		SnapshotDir: filepath.Join(controlDir, snapsDirName),
		Concurrency: s.config.Snapshots.Concurrency,
		LockTimeout: s.config.Transactions.LockTimeout.Std(),
		Metrics:     snapshot.NewMetrics(reg),
	}, s.locks)
	if err != nil {
		return fmt.Errorf("starting snapshot manager: %w", err)
	}

	// Recovery runs before anything serves traffic.
	runner, err := recovery.NewRunner(recovery.Config{
		StateDir: s.stateDir,
		Metrics:  recovery.NewMetrics(reg),
	}, s.locks, s.snapshots)
	if err != nil {
		return fmt.Errorf("building recovery runner: %w", err)
	}
	s.report, err = runner.Run(context.Background())
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if !s.report.Ready() {
		return fmt.Errorf("%w: %d corrupted records unresolved",
			ErrRecoveryFailed, len(s.report.Corrupted))
	}

	s.journal, err = audit.Open(audit.Config{
		Dir:        filepath.Join(controlDir, auditDirName),
		SyncWrites: s.config.Audit.SyncWrites,
		Logger:     s.logger.Slog().With("component", "audit"),
	})
	if err != nil {
		return fmt.Errorf("opening audit journal: %w", err)
	}

	s.cache = cache.New(
		func(ctx context.Context, path string) (*codec.Record, error) {
			return transaction.ReadRecord(s.stateDir, path)
		},
		cache.Options{
			MaxEntries: s.config.Cache.MaxEntries,
			MaxAge:     s.config.Cache.MaxAge.Std(),
		})

	s.coord, err = transaction.NewCoordinator(transaction.Config{
		StateDir:       s.stateDir,
		SessionID:      uuid.NewString(),
		TxTTL:          s.config.Transactions.TTL.Std(),
		LockTimeout:    s.config.Transactions.LockTimeout.Std(),
		MetricsEnabled: s.config.Transactions.Metrics,
		TracingEnabled: s.config.Transactions.Tracing,
	}, s.locks, s.cache, s.journal)
	if err != nil {
		return fmt.Errorf("starting transaction coordinator: %w", err)
	}

	s.watcher, err = watch.NewWatcher(s.stateDir, watch.Options{
		Debounce:   s.config.Watcher.Debounce.Std(),
		BufferSize: s.config.Watcher.BufferSize,
		Logger:     s.logger.Slog().With("component", "watch"),
	})
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	s.invalidateSub, err = s.watcher.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing for invalidation: %w", err)
	}
	s.wg.Add(1)
	go s.invalidateLoop()

	s.logger.Info("store open",
		"root", s.root,
		"stale_leases", s.report.StaleLeases,
		"orphaned_temps", s.report.OrphanedTemps,
		"records", s.report.RecordsScanned,
		"repaired", len(s.report.Corrupted))
	return nil
}

// invalidateLoop keeps the cache honest against external edits.
//
// Commits made through this store also produce watcher events, so a
// committed path gets invalidated and lazily reloaded; that is
// harmless, just one extra decode on the next read.
func (s *Store) invalidateLoop() {
	defer s.wg.Done()
	for event := range s.invalidateSub.Events() {
		rel, err := filepath.Rel(s.stateDir, event.Path)
		if err != nil || rel == "." {
			continue
		}
		logical := "/" + filepath.ToSlash(rel)
		s.cache.Invalidate(logical)
		s.logger.Debug("invalidated after external change",
			"path", logical, "kind", event.Kind.String())
	}
}

// Read returns the committed record at path.
//
// Served from the cache when warm. Returns ErrNotFound when no record
// exists at path.
func (s *Store) Read(ctx context.Context, path string) (*codec.Record, error) {
	return s.cache.Get(ctx, path)
}

// Begin opens a transaction on behalf of actor.
func (s *Store) Begin(ctx context.Context, actor string) (*transaction.Tx, error) {
	return s.coord.Begin(ctx, actor)
}

// Commit atomically applies the transaction's buffered writes.
func (s *Store) Commit(ctx context.Context, tx *transaction.Tx) (*transaction.Result, error) {
	return s.coord.Commit(ctx, tx)
}

// Rollback discards the transaction's buffered writes.
func (s *Store) Rollback(ctx context.Context, tx *transaction.Tx, reason string) (*transaction.Result, error) {
	return s.coord.Rollback(ctx, tx, reason)
}

// Snapshot captures the current tree.
func (s *Store) Snapshot(ctx context.Context, note string) (*snapshot.Manifest, error) {
	return s.snapshots.Create(ctx, note)
}

// RestoreSnapshot rewrites the tree from a snapshot.
//
// The cache is dropped wholesale afterwards; every path may have
// changed.
func (s *Store) RestoreSnapshot(ctx context.Context, id string) error {
	if err := s.snapshots.Restore(ctx, id); err != nil {
		return err
	}
	s.cache.InvalidateAll()
	return nil
}

// Snapshots lists the available snapshots, oldest first.
func (s *Store) Snapshots() ([]*snapshot.Manifest, error) {
	return s.snapshots.List()
}

// PruneSnapshots removes all but the newest keep snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	return s.snapshots.Prune(ctx, keep)
}

// Watch subscribes to coalesced change events under the given state
// paths. With no paths the subscription covers the whole tree.
func (s *Store) Watch(paths ...string) (*watch.Subscription, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		abs = append(abs, filepath.Join(s.stateDir, filepath.FromSlash(p)))
	}
	return s.watcher.Subscribe(abs...)
}

// AuditTail returns the newest n committed-mutation entries.
func (s *Store) AuditTail(ctx context.Context, n int) ([]audit.Entry, error) {
	return s.journal.Tail(ctx, n)
}

// AuditReplay streams entries from fromSeq in order.
func (s *Store) AuditReplay(ctx context.Context, fromSeq uint64, fn func(seq uint64, entry audit.Entry) error) error {
	return s.journal.Replay(ctx, fromSeq, fn)
}

// RecoveryReport returns the report from the boot recovery pass.
func (s *Store) RecoveryReport() *recovery.Report {
	return s.report
}

// StateDir returns the absolute path of the canonical tree.
func (s *Store) StateDir() string {
	return s.stateDir
}

// Close stops the watcher, rolls back open transactions, and releases
// all leases. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

// teardown stops components in reverse boot order, collecting the
// first error. Tolerates partially built stores.
func (s *Store) teardown() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if s.invalidateSub != nil {
		s.invalidateSub.Close()
	}
	if s.watcher != nil {
		keep(s.watcher.Close())
	}
	s.wg.Wait()

	if s.coord != nil {
		keep(s.coord.Close())
	}
	if s.journal != nil {
		keep(s.journal.Close())
	}
	if s.locks != nil {
		keep(s.locks.Close())
	}
	if s.logger != nil {
		keep(s.logger.Close())
	}
	return first
}

// withDefaults fills zero-valued settings from DefaultConfig.
func withDefaults(config Config) Config {
	defaults := DefaultConfig(config.Root)
	if config.Locks.TTL == 0 {
		config.Locks.TTL = defaults.Locks.TTL
	}
	if config.Locks.PollInterval == 0 {
		config.Locks.PollInterval = defaults.Locks.PollInterval
	}
	if config.Cache.MaxEntries == 0 {
		config.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
	if config.Transactions.TTL == 0 {
		config.Transactions.TTL = defaults.Transactions.TTL
	}
	if config.Transactions.LockTimeout == 0 {
		config.Transactions.LockTimeout = defaults.Transactions.LockTimeout
	}
	if config.Snapshots.Keep == 0 {
		config.Snapshots.Keep = defaults.Snapshots.Keep
	}
	if config.Snapshots.Concurrency == 0 {
		config.Snapshots.Concurrency = defaults.Snapshots.Concurrency
	}
	if config.Watcher.Debounce == 0 {
		config.Watcher.Debounce = defaults.Watcher.Debounce
	}
	if config.Watcher.BufferSize == 0 {
		config.Watcher.BufferSize = defaults.Watcher.BufferSize
	}
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	return config
}
