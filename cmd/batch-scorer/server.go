package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/logging"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/metrics"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// server is the HTTP control surface of one orchestrator.
type server struct {
	orch     *orchestrator.Orchestrator
	catalog  *catalog.Catalog
	defaults orchestrator.Settings
	ready    func(context.Context) error
	logger   zerolog.Logger
}

func newServer(orch *orchestrator.Orchestrator, reports *catalog.Catalog, defaults orchestrator.Settings, ready func(context.Context) error) *server {
	return &server{
		orch:     orch,
		catalog:  reports,
		defaults: defaults,
		ready:    ready,
		logger:   logging.NewLogger("http"),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(s.ready))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /runs", s.startRun)
	mux.HandleFunc("GET /runs/current", s.currentRun)
	mux.HandleFunc("DELETE /runs/current", s.stopRun)

	mux.HandleFunc("GET /items", s.listItems)
	mux.HandleFunc("DELETE /items", s.clearItems)
	mux.HandleFunc("GET /items/{id}", s.getItem)
	mux.HandleFunc("POST /items/{id}/load", s.loadItem)
	mux.HandleFunc("POST /items/{id}/score", s.scoreItem)

	return s.logRequests(mux)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if ready != nil {
			if err := ready(ctx); err != nil {
				http.Error(w, "item store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// runRequest selects the items of a run and overrides default settings.
// Without ids the run covers the catalog, narrowed by year when given.
type runRequest struct {
	IDs            []string `json:"ids"`
	Year           int      `json:"year"`
	Concurrency    int      `json:"concurrency"`
	SkipCached     *bool    `json:"skipCached"`
	ForceRecompute bool     `json:"forceRecompute"`
	MaxItems       int      `json:"maxItems"`
}

type runResponse struct {
	orchestrator.RunState
	Summary string `json:"summary"`
}

func newRunResponse(state orchestrator.RunState) runResponse {
	return runResponse{RunState: state, Summary: state.Summary()}
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run request: %w", err))
			return
		}
	}

	settings := s.defaults
	if req.Concurrency > 0 {
		settings.Concurrency = req.Concurrency
	}
	if req.SkipCached != nil {
		settings.SkipCached = *req.SkipCached
	}
	if req.MaxItems > 0 {
		settings.MaxItems = req.MaxItems
	}
	settings.ForceRecompute = req.ForceRecompute

	scope := orchestrator.Scope{
		Selected: s.catalog.Lookup(req.IDs),
		Filtered: s.filtered(req.Year),
	}
	if len(req.IDs) > 0 && len(scope.Selected) == 0 {
		writeError(w, http.StatusNotFound, errors.New("none of the selected reports are in the catalog"))
		return
	}

	// The run outlives this request.
	state, err := s.orch.Start(context.WithoutCancel(r.Context()), scope, settings)
	if errors.Is(err, orchestrator.ErrRunActive) {
		writeJSON(w, http.StatusConflict, newRunResponse(state))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRunResponse(state))
}

func (s *server) filtered(year int) []catalog.WorkItem {
	all := s.catalog.All()
	if year == 0 {
		return all
	}
	out := make([]catalog.WorkItem, 0, len(all))
	for _, item := range all {
		if item.Year == year {
			out = append(out, item)
		}
	}
	return out
}

func (s *server) currentRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newRunResponse(s.orch.Snapshot()))
}

func (s *server) stopRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newRunResponse(s.orch.Stop()))
}

func (s *server) listItems(w http.ResponseWriter, r *http.Request) {
	entries, err := s.orch.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) clearItems(w http.ResponseWriter, r *http.Request) {
	err := s.orch.ClearEntries(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrRunActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) getItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.item(w, r)
	if !ok {
		return
	}
	entry, err := s.orch.Entry(r.Context(), item.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) loadItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.item(w, r)
	if !ok {
		return
	}
	entry, err := s.orch.Load(r.Context(), item)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) scoreItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.item(w, r)
	if !ok {
		return
	}
	entry, err := s.orch.Inspect(r.Context(), item)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) item(w http.ResponseWriter, r *http.Request) (catalog.WorkItem, bool) {
	id := r.PathValue("id")
	item, ok := s.catalog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("report %q not found", id))
	}
	return item, ok
}

// statusFor maps a single-item failure to a response status.
func statusFor(err error) int {
	if errors.Is(err, orchestrator.ErrUnscorable) {
		return http.StatusUnprocessableEntity
	}
	switch client.KindOf(err) {
	case client.KindCancelled:
		return 499
	case client.KindTimeout:
		return http.StatusGatewayTimeout
	case client.KindRejected:
		return http.StatusUnprocessableEntity
	case "":
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
