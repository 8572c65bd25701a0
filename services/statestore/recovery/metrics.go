// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for recovery runs.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// RunsTotal counts recovery runs by outcome.
	RunsTotal *prometheus.CounterVec

	// StaleLeasesSwept counts stale leases removed at startup.
	StaleLeasesSwept prometheus.Counter

	// OrphanedTempsSwept counts orphaned temp files removed at startup.
	OrphanedTempsSwept prometheus.Counter

	// CorruptedRecords counts corrupted records found, by resolution.
	CorruptedRecords *prometheus.CounterVec

	// DurationSeconds measures full recovery run duration.
	DurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all recovery metrics.
//
// Registers against reg, or the default registerer when reg is nil.
// Tests pass a private registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "recovery",
				Name:      "runs_total",
				Help:      "Total recovery runs by outcome",
			},
			[]string{"outcome"},
		),

		StaleLeasesSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "recovery",
				Name:      "stale_leases_swept_total",
				Help:      "Stale leases removed during recovery",
			},
		),

		OrphanedTempsSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "recovery",
				Name:      "orphaned_temps_swept_total",
				Help:      "Orphaned temp files removed during recovery",
			},
		),

		CorruptedRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statevault",
				Subsystem: "recovery",
				Name:      "corrupted_records_total",
				Help:      "Corrupted records found during recovery, by resolution",
			},
			[]string{"resolution"},
		),

		DurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "statevault",
				Subsystem: "recovery",
				Name:      "duration_seconds",
				Help:      "Duration of full recovery runs",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
	}
}
