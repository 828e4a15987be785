package metrics_test

import (
	"io"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"

	// Registers the breaker, pool and orchestrator collectors.
	_ "github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/orchestrator"
)

func TestRegistry(t *testing.T) {
	if metrics.Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func TestNames(t *testing.T) {
	names, err := metrics.Names()
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}

	for _, want := range []string{
		"scoring_breaker_consecutive_errors",
		"scoring_breaker_trips_total",
		"scoring_pool_active_workers",
		"scoring_run_duration_seconds",
	} {
		if !slices.Contains(names, want) {
			t.Errorf("Names() = %v, missing %s", names, want)
		}
	}
	if !slices.IsSorted(names) {
		t.Errorf("Names() = %v, want sorted", names)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "scoring_breaker_trips_total") {
		t.Errorf("exposition does not contain scoring_breaker_trips_total")
	}
}
