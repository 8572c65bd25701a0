// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery brings a store back to a consistent state after a
// crash or unclean shutdown.
//
// Recovery runs as a fixed phase sequence before the store serves
// traffic:
//
//	scan_locks -> verify_integrity -> repair -> ready
//
// scan_locks sweeps leases whose holders died and temp files orphaned
// by interrupted atomic writes, and resumes a restore whose marker
// survived the crash. verify_integrity decodes every record in the
// tree. repair replaces corrupted records with their newest intact
// snapshot copy, or removes them with a warning when no snapshot holds
// the path.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/statevault/services/statestore/atomicio"
	"github.com/AleutianAI/statevault/services/statestore/codec"
	"github.com/AleutianAI/statevault/services/statestore/lock"
	"github.com/AleutianAI/statevault/services/statestore/snapshot"
)

// Phase is one step of the recovery sequence.
type Phase string

const (
	PhaseScanLocks       Phase = "scan_locks"
	PhaseVerifyIntegrity Phase = "verify_integrity"
	PhaseRepair          Phase = "repair"
	PhaseReady           Phase = "ready"
)

// Resolution is the outcome of handling one corrupted record.
type Resolution string

const (
	// ResolutionRestored means the record was replaced from a snapshot.
	ResolutionRestored Resolution = "restored"

	// ResolutionRemoved means no snapshot held the path and the
	// corrupted file was removed.
	ResolutionRemoved Resolution = "removed"

	// ResolutionFailed means the repair itself failed. The store must
	// not serve the path.
	ResolutionFailed Resolution = "failed"
)

// CorruptedRecord describes one record that failed integrity checks.
type CorruptedRecord struct {
	// Path is the logical state path.
	Path string

	// Detail is the decode failure.
	Detail string

	// Resolution says how repair handled it.
	Resolution Resolution

	// SnapshotID is the snapshot the record was restored from, when
	// Resolution is ResolutionRestored.
	SnapshotID string
}

// Report summarizes one recovery run.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Phase is the last phase reached. PhaseReady on success.
	Phase Phase

	// StaleLeases is the number of dead-holder leases swept.
	StaleLeases int

	// OrphanedTemps is the number of interrupted-write temp files removed.
	OrphanedTemps int

	// ResumedRestore is the snapshot ID of a resumed restore, if any.
	ResumedRestore string

	// RecordsScanned is the number of records integrity-checked.
	RecordsScanned int

	// Corrupted lists every record that failed verification.
	Corrupted []CorruptedRecord
}

// Ready reports whether the store may serve traffic.
func (r *Report) Ready() bool {
	if r.Phase != PhaseReady {
		return false
	}
	for _, c := range r.Corrupted {
		if c.Resolution == ResolutionFailed {
			return false
		}
	}
	return true
}

// Config configures a recovery Runner.
type Config struct {
	// StateDir is the root of the canonical record tree. Required.
	StateDir string

	// Metrics receives run metrics. Nil disables recording.
	Metrics *Metrics
}

// Runner executes the recovery sequence.
//
// # Thread Safety
//
// Run is meant to be called once, before the store serves traffic.
// The Runner itself holds no mutable state.
type Runner struct {
	config    Config
	locks     *lock.Manager
	snapshots *snapshot.Manager
	logger    *slog.Logger
}

// NewRunner creates a recovery runner.
//
// # Inputs
//
//   - config: Runner configuration. StateDir is required.
//   - locks: Lease manager whose directory is swept. Required.
//   - snapshots: Snapshot manager used for repair and restore
//     resumption. May be nil; repair then removes corrupted records.
func NewRunner(config Config, locks *lock.Manager, snapshots *snapshot.Manager) (*Runner, error) {
	if config.StateDir == "" {
		return nil, fmt.Errorf("StateDir is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	return &Runner{
		config:    config,
		locks:     locks,
		snapshots: snapshots,
		logger:    slog.Default().With("component", "recovery.Runner"),
	}, nil
}

// Run executes all recovery phases and returns the report.
//
// # Description
//
// The phases always run in order; a phase error aborts the run with
// the report's Phase naming where it stopped. A report with
// Ready() == false means the tree could not be made consistent and
// the store must not open.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	err := r.run(ctx, report)
	report.FinishedAt = time.Now()

	if r.config.Metrics != nil {
		outcome := "ready"
		if err != nil || !report.Ready() {
			outcome = "failed"
		}
		r.config.Metrics.RunsTotal.WithLabelValues(outcome).Inc()
		r.config.Metrics.DurationSeconds.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, report *Report) error {
	report.Phase = PhaseScanLocks
	if err := r.scanLocks(ctx, report); err != nil {
		return fmt.Errorf("%s: %w", PhaseScanLocks, err)
	}

	report.Phase = PhaseVerifyIntegrity
	corrupted, err := r.verifyIntegrity(ctx, report)
	if err != nil {
		return fmt.Errorf("%s: %w", PhaseVerifyIntegrity, err)
	}

	report.Phase = PhaseRepair
	r.repair(ctx, report, corrupted)

	report.Phase = PhaseReady
	r.logger.Info("recovery complete",
		"stale_leases", report.StaleLeases,
		"orphaned_temps", report.OrphanedTemps,
		"records_scanned", report.RecordsScanned,
		"corrupted", len(report.Corrupted),
		"duration", time.Since(report.StartedAt))
	return nil
}

// scanLocks sweeps dead leases and interrupted-write debris, and
// finishes a restore the previous process died inside.
func (r *Runner) scanLocks(ctx context.Context, report *Report) error {
	swept, err := r.locks.SweepStale()
	if err != nil {
		return fmt.Errorf("sweeping stale leases: %w", err)
	}
	report.StaleLeases = swept
	if r.config.Metrics != nil {
		r.config.Metrics.StaleLeasesSwept.Add(float64(swept))
	}

	temps, err := atomicio.SweepTemps(r.config.StateDir)
	if err != nil {
		return fmt.Errorf("sweeping temp files: %w", err)
	}
	report.OrphanedTemps = temps
	if r.config.Metrics != nil {
		r.config.Metrics.OrphanedTempsSwept.Add(float64(temps))
	}

	if r.snapshots != nil {
		id, err := r.snapshots.ResumeInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("resuming restore of %s: %w", id, err)
		}
		report.ResumedRestore = id
	}

	return nil
}

// verifyIntegrity decodes every record in the tree.
func (r *Runner) verifyIntegrity(ctx context.Context, report *Report) ([]CorruptedRecord, error) {
	var corrupted []CorruptedRecord

	err := filepath.WalkDir(r.config.StateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || atomicio.IsTemp(d.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(r.config.StateDir, path)
		if relErr != nil {
			return relErr
		}
		logical := "/" + filepath.ToSlash(rel)

		report.RecordsScanned++

		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			corrupted = append(corrupted, CorruptedRecord{
				Path:   logical,
				Detail: readErr.Error(),
			})
			return nil
		}
		if _, decodeErr := codec.Decode(raw); decodeErr != nil {
			r.logger.Warn("corrupted record found",
				"path", logical,
				"error", decodeErr)
			corrupted = append(corrupted, CorruptedRecord{
				Path:   logical,
				Detail: decodeErr.Error(),
			})
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sort.Slice(corrupted, func(i, j int) bool { return corrupted[i].Path < corrupted[j].Path })
	return corrupted, nil
}

// repair resolves each corrupted record from the newest snapshot that
// holds an intact copy, removing records no snapshot can supply.
func (r *Runner) repair(ctx context.Context, report *Report, corrupted []CorruptedRecord) {
	if len(corrupted) == 0 {
		return
	}

	var manifests []*snapshot.Manifest
	if r.snapshots != nil {
		var err error
		manifests, err = r.snapshots.List()
		if err != nil {
			r.logger.Warn("listing snapshots for repair failed", "error", err)
		}
	}

	for _, c := range corrupted {
		c.Resolution = r.repairOne(ctx, &c, manifests)
		report.Corrupted = append(report.Corrupted, c)
		if r.config.Metrics != nil {
			r.config.Metrics.CorruptedRecords.WithLabelValues(string(c.Resolution)).Inc()
		}
	}
}

// repairOne restores one path from the newest intact snapshot copy.
func (r *Runner) repairOne(_ context.Context, c *CorruptedRecord, manifests []*snapshot.Manifest) Resolution {
	file := filepath.Join(r.config.StateDir, filepath.FromSlash(c.Path[1:]))

	// Newest snapshot first.
	for i := len(manifests) - 1; i >= 0; i-- {
		raw, clock, err := r.snapshots.FileCopy(manifests[i].ID, c.Path)
		if err != nil {
			if errors.Is(err, snapshot.ErrPathNotCaptured) {
				continue
			}
			r.logger.Warn("snapshot copy unusable for repair",
				"path", c.Path,
				"snapshot_id", manifests[i].ID,
				"error", err)
			continue
		}

		if err := atomicio.WriteFile(file, raw, 0644); err != nil {
			r.logger.Error("failed to write repaired record",
				"path", c.Path,
				"error", err)
			return ResolutionFailed
		}

		c.SnapshotID = manifests[i].ID
		r.logger.Info("record restored from snapshot",
			"path", c.Path,
			"snapshot_id", manifests[i].ID,
			"logical_clock", clock)
		return ResolutionRestored
	}

	// No snapshot holds the path. Removing the file loses the record,
	// which is why it is surfaced loudly in the report and log.
	r.logger.Warn("no snapshot holds corrupted record, removing",
		"path", c.Path)
	if err := atomicio.RemoveFile(file); err != nil {
		r.logger.Error("failed to remove corrupted record",
			"path", c.Path,
			"error", err)
		return ResolutionFailed
	}
	return ResolutionRemoved
}
