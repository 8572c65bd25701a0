// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for snapshot operations.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// CreatesTotal counts snapshot creations by status.
	CreatesTotal *prometheus.CounterVec

	// RestoresTotal counts snapshot restores by status.
	RestoresTotal *prometheus.CounterVec

	// PrunedTotal counts snapshots removed by pruning.
	PrunedTotal prometheus.Counter

	// DurationSeconds measures operation duration by operation kind.
	DurationSeconds *prometheus.HistogramVec

	// FilesPerSnapshot measures how many record files each snapshot holds.
	FilesPerSnapshot prometheus.Histogram

	// BytesPerSnapshot measures total snapshot payload size.
	BytesPerSnapshot prometheus.Histogram
}

// NewMetrics creates and registers all snapshot metrics.
//
// Description:
//
//	Registers against reg, or the default registerer when reg is nil.
//	Tests pass a private registry to avoid duplicate registration.
//
// Outputs:
//   - *Metrics: The created metrics. Never nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CreatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "snapshot",
				Name:      "creates_total",
				Help:      "Total snapshot create operations by status",
			},
			[]string{"status"},
		),

		RestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "snapshot",
				Name:      "restores_total",
				Help:      "Total snapshot restore operations by status",
			},
			[]string{"status"},
		),

		PrunedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "snapshot",
				Name:      "pruned_total",
				Help:      "Total snapshots removed by pruning",
			},
		),

		DurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "statevault",
				Subsystem: "snapshot",
				Name:      "duration_seconds",
				Help:      "Duration of snapshot operations",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"operation"},
		),

		FilesPerSnapshot: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "statevault",
				Subsystem: "snapshot",
				Name:      "files",
				Help:      "Record files captured per snapshot",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		BytesPerSnapshot: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "statevault",
				Subsystem: "snapshot",
				Name:      "bytes",
				Help:      "Total payload bytes captured per snapshot",
				Buckets:   prometheus.ExponentialBuckets(1024, 8, 8),
			},
		),
	}
}
