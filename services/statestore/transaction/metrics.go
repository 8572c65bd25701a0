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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for transaction metrics.
var meter = otel.Meter("statevault.transaction")

// Metric instruments for transaction operations.
var (
	beginTotal     metric.Int64Counter
	commitTotal    metric.Int64Counter
	rollbackTotal  metric.Int64Counter
	conflictTotal  metric.Int64Counter
	expiredTotal   metric.Int64Counter
	txDuration     metric.Float64Histogram
	pathsWritten   metric.Int64Histogram
	activeGauge    metric.Int64UpDownCounter
	fileOpDuration metric.Float64Histogram
	fileOpErrors   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
// Set by the Coordinator on initialization.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		beginTotal, err = meter.Int64Counter(
			"statevault_tx_begin_total",
			metric.WithDescription("Total number of transaction begin operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"statevault_tx_commit_total",
			metric.WithDescription("Total number of transaction commit operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"statevault_tx_rollback_total",
			metric.WithDescription("Total number of transaction rollback operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		conflictTotal, err = meter.Int64Counter(
			"statevault_tx_conflict_total",
			metric.WithDescription("Total number of commits rejected by clock validation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		expiredTotal, err = meter.Int64Counter(
			"statevault_tx_expired_total",
			metric.WithDescription("Total number of transactions that expired"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		txDuration, err = meter.Float64Histogram(
			"statevault_tx_duration_seconds",
			metric.WithDescription("Duration of transactions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pathsWritten, err = meter.Int64Histogram(
			"statevault_tx_paths_written",
			metric.WithDescription("Number of paths written per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"statevault_tx_active",
			metric.WithDescription("Number of currently active transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fileOpDuration, err = meter.Float64Histogram(
			"statevault_tx_file_operation_duration_seconds",
			metric.WithDescription("Duration of record file operations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fileOpErrors, err = meter.Int64Counter(
			"statevault_tx_file_operation_errors_total",
			metric.WithDescription("Total number of record file operation errors"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBegin records a transaction begin operation.
func recordBegin(ctx context.Context, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}

	beginTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// recordCommit records a transaction commit operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction was active.
//   - paths: Number of paths written.
//   - success: Whether the commit operation succeeded.
func recordCommit(ctx context.Context, duration time.Duration, paths int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	commitTotal.Add(ctx, 1, attrs)
	txDuration.Record(ctx, duration.Seconds(), attrs)
	pathsWritten.Record(ctx, int64(paths), attrs)
}

// recordRollback records a transaction rollback operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction was active.
//   - paths: Number of buffered writes discarded.
//   - reason: Why the rollback occurred (user, expired, coordinator_close).
func recordRollback(ctx context.Context, duration time.Duration, paths int, reason string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	normalizedReason := normalizeRollbackReason(reason)

	attrs := metric.WithAttributes(
		attribute.String("status", "rolled_back"),
		attribute.String("reason", normalizedReason),
	)

	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", normalizedReason),
	))
	txDuration.Record(ctx, duration.Seconds(), attrs)
	pathsWritten.Record(ctx, int64(paths), attrs)
}

// normalizeRollbackReason normalizes rollback reasons to a bounded set.
func normalizeRollbackReason(reason string) string {
	switch reason {
	case "transaction expired":
		return "expired"
	case "coordinator closed":
		return "coordinator_close"
	default:
		return "user"
	}
}

// recordConflict records a commit rejected by clock validation.
func recordConflict(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	conflictTotal.Add(ctx, 1)
}

// recordExpired records a transaction expiration.
func recordExpired(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	expiredTotal.Add(ctx, 1)
}

// recordFileOp records a record file operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - operation: Name of the operation ("write", "remove").
//   - duration: How long the operation took.
//   - opErr: Error if the operation failed (nil on success).
func recordFileOp(ctx context.Context, operation string, duration time.Duration, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("operation", operation))

	fileOpDuration.Record(ctx, duration.Seconds(), attrs)

	if opErr != nil {
		fileOpErrors.Add(ctx, 1, attrs)
	}
}

// incActive increments the active transaction gauge.
func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, 1)
}

// decActive decrements the active transaction gauge.
func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, -1)
}
