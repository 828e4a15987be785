package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks entry lookups that found an entry, by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_item_cache_hits_total",
			Help: "Total number of item table lookups that found an entry",
		},
		[]string{"layer"}, // "memory", "redis"
	)

	// CacheMisses tracks entry lookups that found nothing, by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_item_cache_misses_total",
			Help: "Total number of item table lookups that found no entry",
		},
		[]string{"layer"},
	)

	// StaleWrites tracks writes rejected by last-writer-wins
	StaleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_item_cache_stale_writes_total",
			Help: "Total number of item table writes rejected as older than the stored entry",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks backend failures
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_item_cache_errors_total",
			Help: "Total number of item table backend errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "clear", "list"
	)
)
