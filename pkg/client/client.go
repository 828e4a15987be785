// Package client provides the HTTP client for the remote quality scoring
// service: batch cache checks, cached-score lookups and single-item compute,
// each wrapped in retry, timeout and error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for scoring client operations.
var (
	scoringRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_requests_total",
		Help: "Total scoring service requests by endpoint and status",
	}, []string{"endpoint", "status"})

	scoringRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scoring_request_duration_seconds",
		Help:    "Scoring service request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	scoringErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_errors_total",
		Help: "Total scoring service call failures by kind",
	}, []string{"kind"})
)

// Endpoint paths of the scoring service.
const (
	EndpointScoreBatch = "/score-batch"
	EndpointScore      = "/score"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 16 << 20

// Client talks to the scoring service.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	retrier    *Retrier
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the scoring service, e.g. "https://scoring.internal/api".
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Version is the scoring model version requested.
	Version int

	// MaxBatchIDs is the cache-check endpoint's per-call id limit.
	MaxBatchIDs int

	// Retry policies per call type.
	BatchPolicy   RetryPolicy
	ComputePolicy RetryPolicy
	LookupPolicy  RetryPolicy

	// HTTPClient overrides the transport (tests). Per-attempt deadlines come
	// from the policies, so it needs no Timeout of its own.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:       baseURL,
		UserAgent:     userAgent,
		Version:       3,
		MaxBatchIDs:   200,
		BatchPolicy:   BatchRetryPolicy(),
		ComputePolicy: DefaultRetryPolicy(),
		LookupPolicy:  LookupRetryPolicy(),
	}
}

// New creates a new scoring client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Version < 1 {
		return nil, fmt.Errorf("version must be >= 1 (got %d)", cfg.Version)
	}

	if cfg.MaxBatchIDs < 1 {
		return nil, fmt.Errorf("max_batch_ids must be >= 1 (got %d)", cfg.MaxBatchIDs)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := log.With().Str("component", "scoring-client").Logger()

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		retrier:    NewRetrier(logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Version returns the scoring model version this client requests.
func (c *Client) Version() int {
	return c.config.Version
}

// MaxBatchIDs returns the per-call id limit of the cache-check endpoint.
func (c *Client) MaxBatchIDs() int {
	return c.config.MaxBatchIDs
}

type batchRequest struct {
	IDs         []string `json:"ids"`
	Version     int      `json:"version"`
	SummaryOnly bool     `json:"summaryOnly"`
}

type batchResponse struct {
	Results map[string]json.RawMessage `json:"results"`
}

// BatchResult is the outcome of one cache-check call. Every requested id is
// in exactly one of Found, Missing or Invalid.
type BatchResult struct {
	Found   map[string]*Score
	Missing []string
	Invalid map[string]error
}

// CheckCached asks the service which of ids already have a stored score.
// Only summaries are requested. len(ids) must not exceed MaxBatchIDs.
func (c *Client) CheckCached(ctx context.Context, ids []string) (*BatchResult, error) {
	if len(ids) > c.config.MaxBatchIDs {
		return nil, fmt.Errorf("batch of %d ids exceeds limit %d", len(ids), c.config.MaxBatchIDs)
	}

	body, err := json.Marshal(batchRequest{IDs: ids, Version: c.config.Version, SummaryOnly: true})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	policy := c.config.BatchPolicy
	resp, err := c.retrier.Do(ctx, EndpointScoreBatch, policy, c.attempt(http.MethodPost, EndpointScoreBatch, nil, body))
	if err != nil {
		return nil, c.fail(err)
	}
	if err := c.statusError(EndpointScoreBatch, resp, policy); err != nil {
		return nil, c.fail(err)
	}

	var decoded batchResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, c.fail(&ServiceError{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Endpoint:   EndpointScoreBatch,
			Err:        &ParseError{Reason: "batch response is malformed", Err: err},
		})
	}

	result := &BatchResult{
		Found:   make(map[string]*Score),
		Invalid: make(map[string]error),
	}
	for _, id := range ids {
		raw, ok := decoded.Results[id]
		if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			result.Missing = append(result.Missing, id)
			continue
		}
		score, err := ParseScore(raw)
		if err != nil {
			result.Invalid[id] = err
			continue
		}
		result.Found[id] = score
	}

	c.logger.Debug().
		Int("requested", len(ids)).
		Int("found", len(result.Found)).
		Int("invalid", len(result.Invalid)).
		Msg("Batch cache check complete")

	return result, nil
}

// GetScore fetches the stored score detail for id. A missing score yields a
// *ServiceError of KindNotFound wrapping ErrNotFound.
func (c *Client) GetScore(ctx context.Context, id string) (*Score, error) {
	query := url.Values{
		"id":      []string{id},
		"version": []string{strconv.Itoa(c.config.Version)},
		"refine":  []string{"1"},
	}

	policy := c.config.LookupPolicy
	resp, err := c.retrier.Do(ctx, EndpointScore, policy, c.attempt(http.MethodGet, EndpointScore, query, nil))
	if err != nil {
		return nil, c.fail(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ServiceError{
			Kind:       KindNotFound,
			StatusCode: resp.StatusCode,
			Endpoint:   EndpointScore,
			Err:        ErrNotFound,
		}
	}
	if err := c.statusError(EndpointScore, resp, policy); err != nil {
		return nil, c.fail(err)
	}

	return c.parse(EndpointScore, resp)
}

type computeRequest struct {
	Meta    computeMeta    `json:"meta"`
	Options computeOptions `json:"options"`
}

type computeMeta struct {
	ID          string `json:"id"`
	ExternalKey string `json:"externalKey"`
	DisplayName string `json:"displayName"`
	Year        int    `json:"year"`
}

type computeOptions struct {
	Version int  `json:"version"`
	Force   bool `json:"force"`
	Store   bool `json:"store"`
}

// ComputeScore asks the service to score item and store the result. With
// force set the service recomputes even if a stored score exists.
func (c *Client) ComputeScore(ctx context.Context, item catalog.WorkItem, force bool) (*Score, error) {
	body, err := json.Marshal(computeRequest{
		Meta: computeMeta{
			ID:          item.ID,
			ExternalKey: item.ExternalKey,
			DisplayName: item.DisplayName,
			Year:        item.Year,
		},
		Options: computeOptions{
			Version: c.config.Version,
			Force:   force,
			Store:   true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal compute request: %w", err)
	}

	policy := c.config.ComputePolicy
	resp, err := c.retrier.Do(ctx, EndpointScore, policy, c.attempt(http.MethodPost, EndpointScore, nil, body))
	if err != nil {
		return nil, c.fail(err)
	}
	if err := c.statusError(EndpointScore, resp, policy); err != nil {
		return nil, c.fail(err)
	}

	return c.parse(EndpointScore, resp)
}

// attempt builds the AttemptFunc for one request. The request is rebuilt on
// every attempt so the body reader is fresh.
func (c *Client) attempt(method, endpoint string, query url.Values, body []byte) AttemptFunc {
	return func(ctx context.Context) (*Response, error) {
		u := *c.baseURL
		u.Path = strings.TrimRight(u.Path, "/") + endpoint
		if query != nil {
			u.RawQuery = query.Encode()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		startTime := time.Now()
		defer func() {
			scoringRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
		}()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			scoringRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			scoringRequestsTotal.WithLabelValues(endpoint, "read_error").Inc()
			return nil, fmt.Errorf("read response body: %w", err)
		}

		scoringRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode >= 400 {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Msg("Scoring request error")
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       data,
		}, nil
	}
}

// statusError maps a settled response to an error, or nil for 2xx.
func (c *Client) statusError(endpoint string, resp *Response, policy RetryPolicy) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	se := &ServiceError{
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Message:    errorMessage(resp),
		Attempts:   resp.Attempts,
	}
	switch {
	case policy.IsTerminal(resp.StatusCode):
		se.Kind = KindServerTerminal
	case policy.IsRetryable(resp.StatusCode):
		se.Kind = KindServerTransient
		if resp.Attempts > 1 {
			se.Err = ErrRetryExhausted
		}
	default:
		se.Kind = KindRejected
	}
	return se
}

func (c *Client) parse(endpoint string, resp *Response) (*Score, error) {
	score, err := ParseScore(resp.Body)
	if err != nil {
		return nil, c.fail(&ServiceError{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Err:        err,
		})
	}
	return score, nil
}

// fail records err in metrics and returns it unchanged.
func (c *Client) fail(err error) error {
	kind := KindOf(err)
	if kind == "" {
		kind = KindNetwork
	}
	scoringErrorsTotal.WithLabelValues(string(kind)).Inc()
	if kind != KindCancelled {
		c.logger.Debug().Err(err).Str("error_kind", string(kind)).Msg("Scoring call failed")
	}
	return err
}

// errorMessage extracts {"error": "..."} from a failure body, falling back to
// the status text.
func errorMessage(resp *Response) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return http.StatusText(resp.StatusCode)
}
