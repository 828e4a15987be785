// Package testutil provides testing utilities for the batch scoring orchestrator.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for one scripted mock response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockScoring is a configurable in-process scoring service. By default it
// behaves like the real service backed by an in-memory score table: batch
// cache checks report stored scores, GET returns a stored score or 404 and
// POST computes, stores and returns a score. Scripts and per-item failures
// override that behavior.
type MockScoring struct {
	server *httptest.Server

	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	scripts   map[string][]MockResponse
	failures  map[string][]MockResponse
	scores    map[string]json.RawMessage
	requests  map[string]int
	batchSize []int
	inFlight  int
	maxFlight int

	// ComputeDelay is applied to every default compute request.
	ComputeDelay time.Duration
}

// NewMockScoring creates and starts a mock scoring server.
func NewMockScoring() *MockScoring {
	mock := &MockScoring{
		handlers: make(map[string]http.HandlerFunc),
		scripts:  make(map[string][]MockResponse),
		failures: make(map[string][]MockResponse),
		scores:   make(map[string]json.RawMessage),
		requests: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func routeKey(method, path string) string {
	return method + " " + path
}

func (m *MockScoring) serve(w http.ResponseWriter, r *http.Request) {
	key := routeKey(r.Method, r.URL.Path)

	m.mu.Lock()
	m.requests[key]++
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	handler, hasHandler := m.handlers[key]
	scripted, hasScript := m.nextScripted(m.scripts, key)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	switch {
	case hasHandler:
		handler(w, r)
	case hasScript:
		write(w, r, scripted)
	case key == routeKey(http.MethodPost, "/score-batch"):
		m.handleBatch(w, r)
	case key == routeKey(http.MethodGet, "/score"):
		m.handleGet(w, r)
	case key == routeKey(http.MethodPost, "/score"):
		m.handleCompute(w, r)
	default:
		http.NotFound(w, r)
	}
}

// nextScripted pops the next scripted response for key. The last response of
// a script repeats once the script is exhausted. Caller holds m.mu.
func (m *MockScoring) nextScripted(scripts map[string][]MockResponse, key string) (MockResponse, bool) {
	queue := scripts[key]
	if len(queue) == 0 {
		return MockResponse{}, false
	}
	resp := queue[0]
	if len(queue) > 1 {
		scripts[key] = queue[1:]
	}
	return resp, true
}

func write(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func (m *MockScoring) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs         []string `json:"ids"`
		Version     int      `json:"version"`
		SummaryOnly bool     `json:"summaryOnly"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		write(w, r, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error": "bad batch body"}`})
		return
	}

	m.mu.Lock()
	m.batchSize = append(m.batchSize, len(req.IDs))
	results := make(map[string]json.RawMessage, len(req.IDs))
	for _, id := range req.IDs {
		if score, ok := m.scores[id]; ok {
			results[id] = score
		} else {
			results[id] = json.RawMessage("null")
		}
	}
	m.mu.Unlock()

	body, _ := json.Marshal(map[string]any{"results": results})
	write(w, r, MockResponse{StatusCode: http.StatusOK, Body: string(body)})
}

func (m *MockScoring) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	m.mu.Lock()
	score, ok := m.scores[id]
	m.mu.Unlock()

	if !ok {
		write(w, r, MockResponse{StatusCode: http.StatusNotFound, Body: `{"error": "not found"}`})
		return
	}
	write(w, r, MockResponse{StatusCode: http.StatusOK, Body: string(score)})
}

func (m *MockScoring) handleCompute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Meta struct {
			ID          string `json:"id"`
			ExternalKey string `json:"externalKey"`
		} `json:"meta"`
		Options struct {
			Version int  `json:"version"`
			Force   bool `json:"force"`
			Store   bool `json:"store"`
		} `json:"options"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil || req.Meta.ID == "" {
		write(w, r, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error": "bad compute body"}`})
		return
	}

	m.mu.Lock()
	failure, failing := m.nextScripted(m.failures, req.Meta.ID)
	delay := m.ComputeDelay
	m.mu.Unlock()

	if failing {
		write(w, r, failure)
		return
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	version := req.Options.Version
	if version < 1 {
		version = 1
	}
	score := ScoreBody(req.Meta.ID, scoreFor(req.Meta.ID), version)

	m.mu.Lock()
	if req.Options.Store {
		m.scores[req.Meta.ID] = json.RawMessage(score)
	}
	m.mu.Unlock()

	write(w, r, MockResponse{StatusCode: http.StatusOK, Body: score})
}

// scoreFor derives a stable score in [0, 100) from id.
func scoreFor(id string) float64 {
	var sum int
	for _, c := range id {
		sum += int(c)
	}
	return float64(sum % 100)
}

// URL returns the mock server URL.
func (m *MockScoring) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockScoring) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockScoring) Close() {
	m.server.CloseClientConnections()
	m.server.Close()
}

// Reset clears tracking counters, scripts and failures. Stored scores stay.
func (m *MockScoring) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]int)
	m.scripts = make(map[string][]MockResponse)
	m.failures = make(map[string][]MockResponse)
	m.batchSize = nil
	m.maxFlight = 0
}

// SetHandler sets a custom handler for a method and path.
func (m *MockScoring) SetHandler(method, path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[routeKey(method, path)] = handler
}

// Script queues responses for a method and path, served in order.
func (m *MockScoring) Script(method, path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[routeKey(method, path)] = append(m.scripts[routeKey(method, path)], responses...)
}

// FailCompute queues failures for compute requests of one item id.
func (m *MockScoring) FailCompute(id string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = append(m.failures[id], responses...)
}

// SetScore stores a score for id as if it had been computed earlier.
func (m *MockScoring) SetScore(id string, value float64, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[id] = json.RawMessage(ScoreBody(id, value, version))
}

// SetRawScore stores an arbitrary payload for id.
func (m *MockScoring) SetRawScore(id, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[id] = json.RawMessage(payload)
}

// HasScore reports whether a score is stored for id.
func (m *MockScoring) HasScore(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scores[id]
	return ok
}

// RequestCount returns the number of requests made to a method and path.
func (m *MockScoring) RequestCount(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[routeKey(method, path)]
}

// BatchSizes returns the id count of every batch cache-check request served.
func (m *MockScoring) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSize...)
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockScoring) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFlight
}

// ScoreBody renders a valid score payload.
func ScoreBody(id string, value float64, version int) string {
	return fmt.Sprintf(`{"id": %q, "version": %d, "score": %s, "band": %q, "subscores": {"environment": %s}, "generatedAt": %q}`,
		id, version, strconv.FormatFloat(value, 'f', -1, 64), band(value),
		strconv.FormatFloat(value, 'f', -1, 64), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339))
}

func band(value float64) string {
	switch {
	case value >= 80:
		return "A"
	case value >= 60:
		return "B"
	case value >= 40:
		return "C"
	case value >= 20:
		return "D"
	default:
		return "E"
	}
}

// NewScoreResponse creates a 200 response carrying a score.
func NewScoreResponse(id string, value float64) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: ScoreBody(id, value, 3)}
}

// NewStatusResponse creates a bare error response with the given status.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error": %q}`, http.StatusText(status)),
	}
}

// NewRetryAfterResponse creates a 429 response with a Retry-After hint.
func NewRetryAfterResponse(seconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limited"}`,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(seconds)},
	}
}
