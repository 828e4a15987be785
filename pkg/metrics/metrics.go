// Package metrics exposes the Prometheus metrics of the batch scorer.
// Collectors are declared with promauto in the packages that update them
// (client, cache, breaker, pool, orchestrator); this package serves them.
package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every collector is added to.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Prefix is shared by every batch scorer metric.
const Prefix = "scoring_"

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Names returns the sorted names of the scorer's metric families that
// currently have at least one series.
func Names() ([]string, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), Prefix) {
			names = append(names, f.GetName())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Metrics by package:
//
// pkg/client:
//   - scoring_requests_total{endpoint, status}
//   - scoring_request_duration_seconds{endpoint}
//   - scoring_errors_total{kind}
//   - scoring_retries_total{kind}
//   - scoring_retry_backoff_seconds{kind}
//   - scoring_retry_exhausted_total{kind}
//
// pkg/cache:
//   - scoring_item_cache_hits_total{layer}
//   - scoring_item_cache_misses_total{layer}
//   - scoring_item_cache_stale_writes_total{layer}
//   - scoring_item_cache_errors_total{operation}
//
// pkg/breaker:
//   - scoring_breaker_trips_total
//   - scoring_breaker_skips_total
//   - scoring_breaker_consecutive_errors
//   - scoring_pacing_delay_seconds
//
// pkg/pool:
//   - scoring_pool_active_workers
//   - scoring_pool_task_panics_total
//
// pkg/orchestrator:
//   - scoring_runs_total{outcome}
//   - scoring_run_items_total{result}
//   - scoring_run_duration_seconds
//   - scoring_single_loads_total{operation, result}
//
// Example queries:
//
//	# Item failure ratio over the last hour
//	sum(increase(scoring_run_items_total{result="error"}[1h])) /
//	sum(increase(scoring_run_items_total[1h]))
//
//	# Runs halted by the circuit breaker
//	increase(scoring_runs_total{outcome="halted"}[1d])
//
//	# P95 compute latency
//	histogram_quantile(0.95, rate(scoring_request_duration_seconds_bucket{endpoint="/score"}[5m]))
