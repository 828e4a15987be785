package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_runs_total",
		Help: "Total batch runs by outcome",
	}, []string{"outcome"}) // "completed", "halted", "cancelled", "precheck_failed"

	runItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_run_items_total",
		Help: "Total items resolved by batch runs by result",
	}, []string{"result"}) // "cached", "computed", "error", "circuit_open"

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scoring_run_duration_seconds",
		Help:    "Batch run duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	singleLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_single_loads_total",
		Help: "Total single-item operations by operation and result",
	}, []string{"operation", "result"}) // operation: "load", "inspect"
)
