// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_recompute_duration_seconds",
		Help:    "Time to recompute one score record.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	RecomputeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_recompute_stale_retries_total",
		Help: "Recomputes restarted because answers changed underneath them.",
	})

	DataWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_data_warnings_total",
		Help: "Answers skipped during aggregation, by kind.",
	}, []string{"kind"})

	CardinalityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_cardinality_rejections_total",
		Help: "Role assignments rejected for exceeding the role maximum.",
	}, []string{"role"})

	ReportsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_reports_total",
		Help: "Report versions reaching a terminal state, by status.",
	}, []string{"status"})

	RenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_render_duration_seconds",
		Help:    "Document renderer latency by format.",
		Buckets: prometheus.DefBuckets,
	}, []string{"format"})

	StaleAccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_stale_report_access_total",
		Help: "Reads of report versions that are not the project's latest.",
	})

	FileMissing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_artifact_missing_total",
		Help: "Recorded artifacts whose bytes were absent from storage.",
	}, []string{"format"})

	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_invariant_violations_total",
		Help: "Structural report invariant violations found by audit.",
	}, []string{"kind"})
)
