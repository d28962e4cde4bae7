package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ach_batch_runs_total",
		Help: "Batch export runs, labeled by trigger and outcome",
	}, []string{"trigger", "outcome"})

	batchRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ach_batch_run_duration_seconds",
		Help:    "Latency distribution of batch export runs",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"trigger"})

	entriesExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ach_entries_exported_total",
		Help: "Entry detail records written to NACHA files",
	})

	uploadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ach_upload_attempts_total",
		Help: "File upload attempts, labeled by outcome",
	}, []string{"outcome"})

	returnsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ach_returns_processed_total",
		Help: "Return file records processed, labeled by kind",
	}, []string{"kind"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ach_verifications_total",
		Help: "Verification wizard completions, labeled by resulting status",
	}, []string{"status"})
)
