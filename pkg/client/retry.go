package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	scoringRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	scoringRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scoring_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15},
	}, []string{"kind"})

	scoringRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// RetryPolicy controls how one logical call is attempted.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first request).
	MaxAttempts int

	// BaseDelay is the first backoff; later backoffs double from it.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// MaxRetryAfter caps a server-provided Retry-After hint.
	MaxRetryAfter time.Duration

	// Timeout bounds each individual attempt. Zero disables the deadline.
	Timeout time.Duration

	// RetryableStatuses are retried after a backoff (rate limiting, gateway errors).
	RetryableStatuses []int

	// TerminalStatuses are deterministic failures, returned without retry.
	TerminalStatuses []int
}

// Status sets shared by the default policies.
var (
	DefaultRetryableStatuses = []int{
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}

	DefaultTerminalStatuses = []int{
		http.StatusInternalServerError,
		http.StatusRequestEntityTooLarge,
	}
)

// DefaultRetryPolicy returns the policy used for single-item compute calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         800 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		MaxRetryAfter:     15 * time.Second,
		Timeout:           90 * time.Second,
		RetryableStatuses: DefaultRetryableStatuses,
		TerminalStatuses:  DefaultTerminalStatuses,
	}
}

// BatchRetryPolicy returns the policy used for batch cache-check calls.
func BatchRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.BaseDelay = 500 * time.Millisecond
	p.Timeout = 30 * time.Second
	return p
}

// LookupRetryPolicy returns the policy used for cached-score lookups.
func LookupRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 2
	p.BaseDelay = 500 * time.Millisecond
	p.Timeout = 20 * time.Second
	return p
}

// IsRetryable reports whether status is in the retryable set.
func (p RetryPolicy) IsRetryable(status int) bool {
	return slices.Contains(p.RetryableStatuses, status)
}

// IsTerminal reports whether status is in the terminal set.
func (p RetryPolicy) IsTerminal(status int) bool {
	return slices.Contains(p.TerminalStatuses, status)
}

// Backoff returns the un-jittered delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Response is a fully read HTTP response. The body is consumed inside the
// attempt so the per-attempt deadline also bounds the read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is the number of requests issued to produce this response.
	Attempts int
}

// AttemptFunc performs one request under ctx.
type AttemptFunc func(ctx context.Context) (*Response, error)

// Retrier executes calls under a RetryPolicy.
type Retrier struct {
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewRetrier creates a retrier that logs through logger.
func NewRetrier(logger zerolog.Logger) *Retrier {
	return &Retrier{
		logger: logger,
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
}

// Do runs fn until it produces a non-retryable outcome or the policy's
// attempts run out. Responses with terminal or other non-retryable statuses
// are returned as-is on the first occurrence; the caller maps them to errors.
// Transport failures and timeouts are retried with backoff. A cancelled ctx
// always wins: no further attempt or sleep happens once it is done.
func (r *Retrier) Do(ctx context.Context, endpoint string, policy RetryPolicy, fn AttemptFunc) (*Response, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(endpoint, attempt-1, err)
		}

		resp, err := r.attempt(ctx, policy, fn)

		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(endpoint, attempt, ctx.Err())
			}

			kind := KindNetwork
			if errors.Is(err, context.DeadlineExceeded) {
				kind = KindTimeout
			}

			if attempt >= maxAttempts || !shouldRetry(kind) {
				return nil, r.exhausted(endpoint, kind, attempt, 0, err)
			}

			delay := r.withJitter(policy.Backoff(attempt))
			if err := r.wait(ctx, endpoint, kind, attempt, delay); err != nil {
				return nil, cancelled(endpoint, attempt, err)
			}
			continue
		}

		resp.Attempts = attempt

		if !policy.IsRetryable(resp.StatusCode) {
			if attempt > 1 {
				r.logger.Info().
					Str("endpoint", endpoint).
					Int("status", resp.StatusCode).
					Int("attempt", attempt).
					Msg("Request settled after retry")
			}
			return resp, nil
		}

		if attempt >= maxAttempts {
			scoringRetryExhaustedTotal.WithLabelValues(string(KindServerTransient)).Inc()
			r.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Int("max_attempts", maxAttempts).
				Msg("Retry attempts exhausted")
			return resp, nil
		}

		delay, hinted := retryAfter(resp.Header, policy.MaxRetryAfter)
		if !hinted {
			delay = r.withJitter(policy.Backoff(attempt))
		}
		if err := r.wait(ctx, endpoint, KindServerTransient, attempt, delay); err != nil {
			return nil, cancelled(endpoint, attempt, err)
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, policy RetryPolicy, fn AttemptFunc) (*Response, error) {
	attemptCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	resp, err := fn(attemptCtx)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("attempt timed out after %s: %w", policy.Timeout, context.DeadlineExceeded)
	}
	return resp, err
}

// wait sleeps before the next attempt, returning ctx's error if it is
// cancelled first.
func (r *Retrier) wait(ctx context.Context, endpoint string, kind ErrorKind, attempt int, delay time.Duration) error {
	scoringRetriesTotal.WithLabelValues(string(kind)).Inc()
	scoringRetryBackoffSeconds.WithLabelValues(string(kind)).Observe(delay.Seconds())

	r.logger.Debug().
		Str("endpoint", endpoint).
		Str("error_kind", string(kind)).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying request after backoff")

	if err := r.sleep(ctx, delay); err != nil {
		r.logger.Warn().
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Msg("Context cancelled during retry backoff")
		return err
	}
	return nil
}

func (r *Retrier) exhausted(endpoint string, kind ErrorKind, attempts, status int, err error) error {
	if attempts > 1 {
		scoringRetryExhaustedTotal.WithLabelValues(string(kind)).Inc()
		r.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_kind", string(kind)).
			Int("max_attempts", attempts).
			Msg("Retry attempts exhausted")
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
	}
	return &ServiceError{
		Kind:       kind,
		StatusCode: status,
		Endpoint:   endpoint,
		Attempts:   attempts,
		Err:        err,
	}
}

// withJitter applies +-20% randomness to prevent synchronized retries.
func (r *Retrier) withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + r.jitter()*0.4))
}

func cancelled(endpoint string, attempts int, err error) error {
	return &ServiceError{
		Kind:     KindCancelled,
		Endpoint: endpoint,
		Attempts: attempts,
		Err:      err,
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date,
// capped at max. Negative or non-finite second counts are not a hint.
func retryAfter(h http.Header, max time.Duration) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
			return 0, false
		}
		if max > 0 && secs >= max.Seconds() {
			return max, true
		}
		if secs >= float64(math.MaxInt64)/float64(time.Second) {
			return time.Duration(math.MaxInt64), true
		}
		d = time.Duration(secs * float64(time.Second))
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	} else {
		return 0, false
	}

	if d < 0 {
		d = 0
	}
	if max > 0 && d > max {
		d = max
	}
	return d, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
