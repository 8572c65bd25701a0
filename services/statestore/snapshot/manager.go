// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot captures and restores point-in-time copies of the
// canonical record tree.
//
// A snapshot is a directory holding a verbatim copy of every record
// file plus a manifest listing each path with its logical clock and
// checksum. The manifest is written last, so a directory without one
// is an aborted snapshot and is never offered for restore. Restore is
// tree-wide: paths absent from the manifest are removed so the tree
// matches the captured state exactly.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/statevault/services/statestore/atomicio"
	"github.com/AleutianAI/statevault/services/statestore/codec"
	"github.com/AleutianAI/statevault/services/statestore/lock"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSnapshotNotFound is returned when no snapshot has the given ID.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupted is returned when a snapshot file fails its
	// manifest checksum. Restore refuses to proceed.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")

	// ErrRestoreInProgress is returned when another restore holds the
	// in-progress marker.
	ErrRestoreInProgress = errors.New("restore already in progress")

	// ErrPathNotCaptured is returned by FileCopy when a snapshot's
	// manifest does not list the requested path.
	ErrPathNotCaptured = errors.New("path not captured in snapshot")
)

// markerFile marks a restore that has started mutating the tree. It
// lives in the snapshots directory and names the snapshot being
// restored; recovery re-runs the restore if the marker survives a
// crash.
const markerFile = "restore-in-progress"

const manifestFile = "manifest.json"

// =============================================================================
// Manifest
// =============================================================================

// Entry is one record file captured in a snapshot.
type Entry struct {
	// Path is the logical state path.
	Path string `json:"path"`

	// LogicalClock is the record's clock at capture time.
	LogicalClock uint64 `json:"logical_clock"`

	// Size is the record file size in bytes.
	Size int64 `json:"size"`

	// Checksum is the hex SHA-256 of the full record file.
	Checksum string `json:"checksum"`
}

// Manifest describes one complete snapshot.
type Manifest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Note      string    `json:"note,omitempty"`
	Entries   []Entry   `json:"entries"`
}

// TotalBytes returns the summed record file sizes.
func (m *Manifest) TotalBytes() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}

// =============================================================================
// Manager
// =============================================================================

// Config configures a snapshot Manager.
type Config struct {
	// StateDir is the root of the canonical record tree. Required.
	StateDir string

	// SnapshotDir holds snapshot directories. Required.
	SnapshotDir string

	// Concurrency bounds parallel file copies. Default: 4.
	Concurrency int

	// LockTimeout bounds tree lease acquisition. Default: 1 minute.
	LockTimeout time.Duration

	// Metrics receives operation metrics. Nil disables recording.
	Metrics *Metrics
}

// Manager creates, restores, lists, and prunes snapshots.
//
// # Thread Safety
//
// Safe for concurrent use. Create and Restore serialize against
// commits through the tree lease.
type Manager struct {
	config Config
	locks  *lock.Manager
	logger *slog.Logger
}

// NewManager creates a snapshot manager.
func NewManager(config Config, locks *lock.Manager) (*Manager, error) {
	if config.StateDir == "" {
		return nil, fmt.Errorf("StateDir is required")
	}
	if config.SnapshotDir == "" {
		return nil, fmt.Errorf("SnapshotDir is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = time.Minute
	}

	if err := os.MkdirAll(config.SnapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	return &Manager{
		config: config,
		locks:  locks,
		logger: slog.Default().With("component", "snapshot.Manager"),
	}, nil
}

// Create captures a consistent snapshot of the record tree.
//
// # Description
//
// Takes an exclusive tree lease so no commit lands mid-capture, copies
// every record file into a fresh snapshot directory, and writes the
// manifest last. The lease is held only for the copy; readers are
// never blocked.
//
// # Outputs
//
//   - *Manifest: The captured snapshot's manifest.
//   - error: Lease, I/O, or header decode errors.
func (m *Manager) Create(ctx context.Context, note string) (*Manifest, error) {
	start := time.Now()

	handle, err := m.locks.Acquire(ctx, lock.TreeResource, lock.Exclusive, m.config.LockTimeout)
	if err != nil {
		m.recordCreate("error", start, nil)
		return nil, fmt.Errorf("acquiring tree lease: %w", err)
	}
	defer m.locks.Release(handle)

	id := time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
	snapDir := filepath.Join(m.config.SnapshotDir, id)
	filesDir := filepath.Join(snapDir, "files")

	paths, err := m.collectRecordPaths()
	if err != nil {
		m.recordCreate("error", start, nil)
		return nil, err
	}

	var (
		mu      sync.Mutex
		entries = make([]Entry, 0, len(paths))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			src := filepath.Join(m.config.StateDir, rel)
			raw, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			hdr, err := codec.PeekHeader(raw)
			if err != nil {
				return fmt.Errorf("reading header of %s: %w", rel, err)
			}

			dst := filepath.Join(filesDir, rel)
			if err := atomicio.WriteFile(dst, raw, 0644); err != nil {
				return fmt.Errorf("copying %s: %w", rel, err)
			}

			digest := sha256.Sum256(raw)
			mu.Lock()
			entries = append(entries, Entry{
				Path:         "/" + filepath.ToSlash(rel),
				LogicalClock: hdr.LogicalClock,
				Size:         int64(len(raw)),
				Checksum:     hex.EncodeToString(digest[:]),
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(snapDir)
		m.recordCreate("error", start, nil)
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	manifest := &Manifest{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Note:      note,
		Entries:   entries,
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		_ = os.RemoveAll(snapDir)
		m.recordCreate("error", start, nil)
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	// Manifest lands last: its presence marks the snapshot complete.
	if err := atomicio.WriteFile(filepath.Join(snapDir, manifestFile), data, 0644); err != nil {
		_ = os.RemoveAll(snapDir)
		m.recordCreate("error", start, nil)
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	m.recordCreate("success", start, manifest)
	m.logger.Info("snapshot created",
		"snapshot_id", id,
		"files", len(entries),
		"bytes", manifest.TotalBytes(),
		"duration", time.Since(start))

	return manifest, nil
}

// Restore replaces the record tree with a snapshot's contents.
//
// # Description
//
// Verifies every snapshot file against the manifest before touching
// the tree, then takes an exclusive tree lease, writes the in-progress
// marker, copies every file in, and removes record files the manifest
// does not list. The marker survives a crash so recovery can finish
// the restore.
//
// # Outputs
//
//   - error: ErrSnapshotNotFound, ErrSnapshotCorrupted,
//     ErrRestoreInProgress, or lease and I/O errors.
func (m *Manager) Restore(ctx context.Context, id string) error {
	start := time.Now()

	manifest, err := m.loadManifest(id)
	if err != nil {
		m.recordRestore("error", start)
		return err
	}

	// Verify before acquiring the lease; a corrupt snapshot must not
	// stall writers.
	if err := m.verifySnapshot(ctx, manifest); err != nil {
		m.recordRestore("corrupted", start)
		return err
	}

	handle, err := m.locks.Acquire(ctx, lock.TreeResource, lock.Exclusive, m.config.LockTimeout)
	if err != nil {
		m.recordRestore("error", start)
		return fmt.Errorf("acquiring tree lease: %w", err)
	}
	defer m.locks.Release(handle)

	if err := m.writeMarker(id); err != nil {
		m.recordRestore("error", start)
		return err
	}

	if err := m.applyRestore(ctx, manifest); err != nil {
		m.recordRestore("error", start)
		return err
	}

	m.clearMarker()
	m.recordRestore("success", start)
	m.logger.Info("snapshot restored",
		"snapshot_id", id,
		"files", len(manifest.Entries),
		"duration", time.Since(start))

	return nil
}

// applyRestore copies manifest files in and removes unlisted records.
func (m *Manager) applyRestore(ctx context.Context, manifest *Manifest) error {
	filesDir := filepath.Join(m.config.SnapshotDir, manifest.ID, "files")

	keep := make(map[string]struct{}, len(manifest.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, entry := range manifest.Entries {
		rel := filepath.FromSlash(strings.TrimPrefix(entry.Path, "/"))
		keep[rel] = struct{}{}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := os.ReadFile(filepath.Join(filesDir, rel))
			if err != nil {
				return fmt.Errorf("reading snapshot file %s: %w", rel, err)
			}
			if err := atomicio.WriteFile(filepath.Join(m.config.StateDir, rel), raw, 0644); err != nil {
				return fmt.Errorf("restoring %s: %w", rel, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Paths written after the snapshot must not survive the restore.
	current, err := m.collectRecordPaths()
	if err != nil {
		return err
	}
	for _, rel := range current {
		if _, ok := keep[rel]; ok {
			continue
		}
		if err := atomicio.RemoveFile(filepath.Join(m.config.StateDir, rel)); err != nil {
			return fmt.Errorf("removing %s: %w", rel, err)
		}
	}
	return nil
}

// verifySnapshot checks every snapshot file against its manifest digest.
func (m *Manager) verifySnapshot(ctx context.Context, manifest *Manifest) error {
	filesDir := filepath.Join(m.config.SnapshotDir, manifest.ID, "files")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, entry := range manifest.Entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel := filepath.FromSlash(strings.TrimPrefix(entry.Path, "/"))
			raw, err := os.ReadFile(filepath.Join(filesDir, rel))
			if err != nil {
				return fmt.Errorf("%w: %s missing: %v", ErrSnapshotCorrupted, entry.Path, err)
			}
			digest := sha256.Sum256(raw)
			if hex.EncodeToString(digest[:]) != entry.Checksum {
				return fmt.Errorf("%w: checksum mismatch at %s", ErrSnapshotCorrupted, entry.Path)
			}
			return nil
		})
	}
	return g.Wait()
}

// List returns the manifests of all complete snapshots, oldest first.
//
// Directories without a readable manifest (aborted creates) are
// skipped with a warning.
func (m *Manager) List() ([]*Manifest, error) {
	dirs, err := os.ReadDir(m.config.SnapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}

	var out []*Manifest
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		manifest, err := m.loadManifest(d.Name())
		if err != nil {
			m.logger.Warn("skipping snapshot without readable manifest",
				"snapshot_id", d.Name(),
				"error", err)
			continue
		}
		out = append(out, manifest)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune removes the oldest snapshots, keeping the newest keep.
//
// The newest snapshot and a snapshot named by a live restore marker
// are never removed. keep is clamped to at least 1.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	manifests, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(manifests) <= keep {
		return 0, nil
	}

	protected := m.restoringID()

	removed := 0
	for _, manifest := range manifests[:len(manifests)-keep] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if manifest.ID == protected {
			m.logger.Warn("skipping prune of snapshot under restore",
				"snapshot_id", manifest.ID)
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.config.SnapshotDir, manifest.ID)); err != nil {
			return removed, fmt.Errorf("removing snapshot %s: %w", manifest.ID, err)
		}
		removed++
		if m.config.Metrics != nil {
			m.config.Metrics.PrunedTotal.Inc()
		}
	}

	m.logger.Info("pruned snapshots", "removed", removed, "kept", keep)
	return removed, nil
}

// InterruptedRestore returns the ID named by a surviving restore
// marker, or empty when no restore was interrupted.
func (m *Manager) InterruptedRestore() string {
	return m.restoringID()
}

// ResumeInterrupted re-runs a restore whose marker survived a crash.
//
// Returns the resumed snapshot ID, or empty when no restore was
// interrupted. The snapshot copy is immutable during restore, so
// re-running from the start is safe.
func (m *Manager) ResumeInterrupted(ctx context.Context) (string, error) {
	id := m.restoringID()
	if id == "" {
		return "", nil
	}
	m.logger.Warn("resuming interrupted restore", "snapshot_id", id)
	m.clearMarker()
	if err := m.Restore(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// FileCopy returns the captured bytes of one path in a snapshot,
// verified against the manifest checksum.
//
// # Outputs
//
//   - []byte: The verbatim record file bytes.
//   - uint64: The logical clock recorded in the manifest.
//   - error: ErrSnapshotNotFound, ErrPathNotCaptured, or
//     ErrSnapshotCorrupted.
func (m *Manager) FileCopy(id, path string) ([]byte, uint64, error) {
	manifest, err := m.loadManifest(id)
	if err != nil {
		return nil, 0, err
	}

	for _, entry := range manifest.Entries {
		if entry.Path != path {
			continue
		}
		rel := filepath.FromSlash(strings.TrimPrefix(path, "/"))
		raw, err := os.ReadFile(filepath.Join(m.config.SnapshotDir, id, "files", rel))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s missing: %v", ErrSnapshotCorrupted, path, err)
		}
		digest := sha256.Sum256(raw)
		if hex.EncodeToString(digest[:]) != entry.Checksum {
			return nil, 0, fmt.Errorf("%w: checksum mismatch at %s", ErrSnapshotCorrupted, path)
		}
		return raw, entry.LogicalClock, nil
	}
	return nil, 0, fmt.Errorf("%s in %s: %w", path, id, ErrPathNotCaptured)
}

// =============================================================================
// Internals
// =============================================================================

// collectRecordPaths walks the tree and returns record file paths
// relative to StateDir, skipping orphaned temp files.
func (m *Manager) collectRecordPaths() ([]string, error) {
	var out []string
	err := filepath.WalkDir(m.config.StateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || atomicio.IsTemp(d.Name()) {
			return nil
		}
		rel, relErr := filepath.Rel(m.config.StateDir, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, rel)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walking state tree: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// loadManifest reads and parses one snapshot's manifest.
func (m *Manager) loadManifest(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.config.SnapshotDir, id, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("reading manifest of %s: %w", id, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest of %s: %w", id, err)
	}
	return &manifest, nil
}

// writeMarker installs the restore-in-progress marker.
func (m *Manager) writeMarker(id string) error {
	marker := filepath.Join(m.config.SnapshotDir, markerFile)
	if existing, err := os.ReadFile(marker); err == nil {
		return fmt.Errorf("%w: restoring %s", ErrRestoreInProgress, strings.TrimSpace(string(existing)))
	}
	if err := atomicio.WriteFile(marker, []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("writing restore marker: %w", err)
	}
	return nil
}

// clearMarker removes the restore-in-progress marker.
func (m *Manager) clearMarker() {
	if err := atomicio.RemoveFile(filepath.Join(m.config.SnapshotDir, markerFile)); err != nil {
		m.logger.Warn("failed to clear restore marker", "error", err)
	}
}

// restoringID returns the snapshot ID in the marker, if present.
func (m *Manager) restoringID() string {
	data, err := os.ReadFile(filepath.Join(m.config.SnapshotDir, markerFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *Manager) recordCreate(status string, start time.Time, manifest *Manifest) {
	if m.config.Metrics == nil {
		return
	}
	m.config.Metrics.CreatesTotal.WithLabelValues(status).Inc()
	m.config.Metrics.DurationSeconds.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if manifest != nil {
		m.config.Metrics.FilesPerSnapshot.Observe(float64(len(manifest.Entries)))
		m.config.Metrics.BytesPerSnapshot.Observe(float64(manifest.TotalBytes()))
	}
}

func (m *Manager) recordRestore(status string, start time.Time) {
	if m.config.Metrics == nil {
		return
	}
	m.config.Metrics.RestoresTotal.WithLabelValues(status).Inc()
	m.config.Metrics.DurationSeconds.WithLabelValues("restore").Observe(time.Since(start).Seconds())
}
