package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/internal/testutil"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/google/go-cmp/cmp"
)

// fastConfig shrinks backoffs so retry paths run in milliseconds.
func fastConfig(baseURL string) Config {
	cfg := DefaultConfig(baseURL, "TestApp/1.0.0 (test@example.com)")
	for _, p := range []*RetryPolicy{&cfg.BatchPolicy, &cfg.ComputePolicy, &cfg.LookupPolicy} {
		p.BaseDelay = time.Millisecond
		p.MaxDelay = 5 * time.Millisecond
		p.MaxRetryAfter = 10 * time.Millisecond
		p.Timeout = 2 * time.Second
	}
	return cfg
}

func newTestClient(t *testing.T, mock *testutil.MockScoring) *Client {
	t.Helper()
	c, err := New(fastConfig(mock.URL()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "empty base url", mutate: func(c *Config) { c.BaseURL = "" }, errorMsg: "base url is required"},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "scoring/api" }, errorMsg: `invalid base url "scoring/api"`},
		{name: "empty user agent", mutate: func(c *Config) { c.UserAgent = "" }, errorMsg: "user-agent is required"},
		{name: "zero version", mutate: func(c *Config) { c.Version = 0 }, errorMsg: "version must be >= 1 (got 0)"},
		{name: "zero batch limit", mutate: func(c *Config) { c.MaxBatchIDs = 0 }, errorMsg: "max_batch_ids must be >= 1 (got 0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("https://scoring.example.com/api", "TestApp/1.0.0")
			tt.mutate(&cfg)

			client, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if client == nil {
					t.Error("Client is nil")
				}
				return
			}
			if err == nil {
				t.Fatal("Expected error but got nil")
			}
			if err.Error() != tt.errorMsg {
				t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://scoring.example.com", "TestApp/1.0.0")

	if cfg.Version != 3 {
		t.Errorf("Version = %d, want 3", cfg.Version)
	}
	if cfg.MaxBatchIDs != 200 {
		t.Errorf("MaxBatchIDs = %d, want 200", cfg.MaxBatchIDs)
	}
	if cfg.ComputePolicy.MaxAttempts != 3 {
		t.Errorf("ComputePolicy.MaxAttempts = %d, want 3", cfg.ComputePolicy.MaxAttempts)
	}
	if cfg.LookupPolicy.MaxAttempts != 2 {
		t.Errorf("LookupPolicy.MaxAttempts = %d, want 2", cfg.LookupPolicy.MaxAttempts)
	}
}

func TestCheckCached(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()

	mock.SetScore("a", 71, 3)
	mock.SetRawScore("bad", `{"score": "high"}`)

	var gotBody map[string]any
	mock.SetHandler(http.MethodPost, "/score-batch", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"results": {"a": ` + testutil.ScoreBody("a", 71, 3) + `, "b": null, "bad": {"score": "high"}}}`))
	})

	c := newTestClient(t, mock)
	result, err := c.CheckCached(context.Background(), []string{"a", "b", "c", "bad"})
	if err != nil {
		t.Fatalf("CheckCached() error = %v", err)
	}

	if gotBody["summaryOnly"] != true {
		t.Errorf("summaryOnly = %v, want true", gotBody["summaryOnly"])
	}
	if gotBody["version"] != float64(3) {
		t.Errorf("version = %v, want 3", gotBody["version"])
	}

	if len(result.Found) != 1 || result.Found["a"] == nil {
		t.Fatalf("Found = %v, want only a", result.Found)
	}
	if result.Found["a"].Value != 71 {
		t.Errorf("Found[a].Value = %v, want 71", result.Found["a"].Value)
	}
	if diff := cmp.Diff([]string{"b", "c"}, result.Missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
	if _, ok := result.Invalid["bad"]; !ok {
		t.Errorf("Invalid = %v, want bad", result.Invalid)
	}
}

func TestCheckCached_RejectsOversizedBatch(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()

	cfg := fastConfig(mock.URL())
	cfg.MaxBatchIDs = 2
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := c.CheckCached(context.Background(), []string{"a", "b", "c"}); err == nil {
		t.Fatal("Expected error for oversized batch")
	}
	if n := mock.RequestCount(http.MethodPost, "/score-batch"); n != 0 {
		t.Errorf("batch requests = %d, want 0", n)
	}
}

func TestCheckCached_MalformedResponse(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()

	mock.Script(http.MethodPost, "/score-batch", testutil.MockResponse{StatusCode: 200, Body: `not json`})

	c := newTestClient(t, mock)
	_, err := c.CheckCached(context.Background(), []string{"a"})
	if KindOf(err) != KindParse {
		t.Errorf("KindOf() = %q, want %q (err %v)", KindOf(err), KindParse, err)
	}
}

func TestGetScore(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()

	mock.SetScore("r1", 42.5, 3)

	var query string
	mock.SetHandler(http.MethodGet, "/score", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		if r.URL.Query().Get("id") != "r1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(testutil.ScoreBody("r1", 42.5, 3)))
	})

	c := newTestClient(t, mock)
	score, err := c.GetScore(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetScore() error = %v", err)
	}
	if score.Value != 42.5 || score.Band != "C" {
		t.Errorf("score = %+v, want value 42.5 band C", score)
	}
	if !strings.Contains(query, "refine=1") || !strings.Contains(query, "version=3") {
		t.Errorf("query = %q, want refine=1 and version=3", query)
	}
	if len(score.Raw) == 0 {
		t.Error("Raw detail not kept")
	}

	_, err = c.GetScore(context.Background(), "missing")
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindNotFound)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestComputeScore(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()

	var gotBody computeRequest
	mock.SetHandler(http.MethodPost, "/score", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(testutil.ScoreBody(gotBody.Meta.ID, 88, 3)))
	})

	c := newTestClient(t, mock)
	item := catalog.WorkItem{ID: "r7", ExternalKey: "reports/r7.pdf", DisplayName: "R7", Year: 2023}
	score, err := c.ComputeScore(context.Background(), item, true)
	if err != nil {
		t.Fatalf("ComputeScore() error = %v", err)
	}
	if score.Value != 88 {
		t.Errorf("Value = %v, want 88", score.Value)
	}

	want := computeRequest{
		Meta:    computeMeta{ID: "r7", ExternalKey: "reports/r7.pdf", DisplayName: "R7", Year: 2023},
		Options: computeOptions{Version: 3, Force: true, Store: true},
	}
	if diff := cmp.Diff(want, gotBody); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeScore_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		responses []testutil.MockResponse
		wantKind  ErrorKind
		wantCalls int
	}{
		{
			name:      "terminal 500 no retry",
			responses: []testutil.MockResponse{testutil.NewStatusResponse(500)},
			wantKind:  KindServerTerminal,
			wantCalls: 1,
		},
		{
			name:      "terminal 413 no retry",
			responses: []testutil.MockResponse{testutil.NewStatusResponse(413)},
			wantKind:  KindServerTerminal,
			wantCalls: 1,
		},
		{
			name:      "other 4xx rejected without retry",
			responses: []testutil.MockResponse{testutil.NewStatusResponse(422)},
			wantKind:  KindRejected,
			wantCalls: 1,
		},
		{
			name:      "transient exhausted",
			responses: []testutil.MockResponse{testutil.NewStatusResponse(503)},
			wantKind:  KindServerTransient,
			wantCalls: 3,
		},
		{
			name: "transient then success",
			responses: []testutil.MockResponse{
				testutil.NewStatusResponse(502),
				testutil.NewRetryAfterResponse(1),
				testutil.NewScoreResponse("r1", 50),
			},
			wantKind:  "",
			wantCalls: 3,
		},
		{
			name:      "invalid payload",
			responses: []testutil.MockResponse{{StatusCode: 200, Body: `{"version": 3}`}},
			wantKind:  KindParse,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockScoring()
			defer mock.Close()
			mock.Script(http.MethodPost, "/score", tt.responses...)

			c := newTestClient(t, mock)
			_, err := c.ComputeScore(context.Background(), catalog.WorkItem{ID: "r1", ExternalKey: "k1"}, false)

			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %q, want %q (err %v)", got, tt.wantKind, err)
			}
			if n := mock.RequestCount(http.MethodPost, "/score"); n != tt.wantCalls {
				t.Errorf("requests = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestComputeScore_ErrorMessageFromBody(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()
	mock.Script(http.MethodPost, "/score", testutil.MockResponse{StatusCode: 413, Body: `{"error": "document exceeds 40MB"}`})

	c := newTestClient(t, mock)
	_, err := c.ComputeScore(context.Background(), catalog.WorkItem{ID: "r1", ExternalKey: "k1"}, false)

	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *ServiceError, got %T", err)
	}
	if se.Message != "document exceeds 40MB" {
		t.Errorf("Message = %q, want %q", se.Message, "document exceeds 40MB")
	}
	if se.StatusCode != 413 {
		t.Errorf("StatusCode = %d, want 413", se.StatusCode)
	}
}

func TestComputeScore_CancelledContext(t *testing.T) {
	mock := testutil.NewMockScoring()
	defer mock.Close()
	mock.ComputeDelay = 2 * time.Second

	c := newTestClient(t, mock)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.ComputeScore(ctx, catalog.WorkItem{ID: "r1", ExternalKey: "k1"}, false)
	if !IsCancelled(err) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ComputeScore returned after %v, want prompt abort", elapsed)
	}
	if n := mock.RequestCount(http.MethodPost, "/score"); n != 1 {
		t.Errorf("requests = %d, want 1 (no retry after cancel)", n)
	}
}

func TestComputeScore_NetworkError(t *testing.T) {
	mock := testutil.NewMockScoring()
	url := mock.URL()
	mock.Close()

	c, err := New(fastConfig(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.ComputeScore(context.Background(), catalog.WorkItem{ID: "r1", ExternalKey: "k1"}, false)
	if KindOf(err) != KindNetwork {
		t.Errorf("KindOf() = %q, want %q (err %v)", KindOf(err), KindNetwork, err)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
}
