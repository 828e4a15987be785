package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrCircuitOpen is the synthetic error recorded for items skipped while the
// breaker is open. It is distinguishable from any backend error.
var ErrCircuitOpen = errors.New("circuit breaker open: item skipped")

// Prometheus metrics for the circuit breaker.
var (
	breakerTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoring_breaker_trips_total",
		Help: "Total number of times a run's circuit breaker opened",
	})

	breakerSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoring_breaker_skips_total",
		Help: "Total number of items resolved as circuit breaker errors without a network call",
	})

	breakerConsecutiveErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scoring_breaker_consecutive_errors",
		Help: "Consecutive item failures in the current run",
	})
)

// Breaker is a consecutive-failure circuit breaker. It is safe for
// concurrent use by the runners of one pool.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	trips       int
	trippedAt   time.Time
	logger      zerolog.Logger
}

// New creates a closed breaker. threshold < 1 falls back to DefaultThreshold.
func New(threshold int, logger zerolog.Logger) *Breaker {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	breakerConsecutiveErrors.Set(0)
	return &Breaker{
		threshold: threshold,
		logger:    logger,
	}
}

// Allow reports whether the next item may be dispatched. A refusal is
// counted as a skip.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutive >= b.threshold {
		breakerSkipsTotal.Inc()
		return false
	}
	return true
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutive >= b.threshold {
		b.logger.Info().
			Int("consecutive_errors", b.consecutive).
			Msg("Circuit breaker closed after success")
	}
	b.consecutive = 0
	breakerConsecutiveErrors.Set(0)
}

// RecordFailure counts one item failure. It returns true when this failure
// opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	breakerConsecutiveErrors.Set(float64(b.consecutive))

	if b.consecutive != b.threshold {
		return false
	}

	b.trips++
	b.trippedAt = time.Now()
	breakerTripsTotal.Inc()
	b.logger.Warn().
		Int("consecutive_errors", b.consecutive).
		Int("threshold", b.threshold).
		Msg("Circuit breaker tripped - remaining items will be skipped")
	return true
}

// Consecutive returns the current consecutive failure count.
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Tripped reports whether the breaker opened at least once.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips > 0
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		ConsecutiveErrors: b.consecutive,
		Threshold:         b.threshold,
		Trips:             b.trips,
		TrippedAt:         b.trippedAt,
	}
}
