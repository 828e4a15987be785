// Package orchestrator drives batches of work items through the remote
// scoring service.
//
// A batch run resolves its scope, optionally prechecks the service's stored
// scores in sequential chunks, then computes the remaining items on a
// bounded worker pool. Every compute call goes through the client's retry
// wrapper and is gated by a run-scoped circuit breaker and adaptive pacing.
// Progress is published as RunState snapshots; per-item outcomes go to the
// shared item table (cache.Store), which also serves the single-item Load
// and Inspect paths.
//
// Basic usage:
//
//	orch, err := orchestrator.New(scoringClient, cache.NewMemoryStore(0), orchestrator.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	state, err := orch.Run(ctx, orchestrator.Scope{Filtered: items}, orchestrator.DefaultSettings())
//	fmt.Println(state.Summary())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/breaker"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/cache"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/logging"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/pool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRunActive is returned when a run is started while another is running.
	ErrRunActive = errors.New("a batch run is already running")

	// ErrPrecheckFailed wraps a cache precheck failure that aborted a run.
	ErrPrecheckFailed = errors.New("cache precheck failed")

	// ErrUnscorable is returned for items without an external key.
	ErrUnscorable = errors.New("item has no external key and cannot be scored")
)

// Defaults for runs.
const (
	DefaultConcurrency = 4
	DefaultMaxItems    = 500

	// storeTimeout bounds one item table operation.
	storeTimeout = 5 * time.Second
)

// ScoringService is the remote scoring service as used by the orchestrator.
// *client.Client implements it.
type ScoringService interface {
	CacheChecker
	GetScore(ctx context.Context, id string) (*client.Score, error)
	ComputeScore(ctx context.Context, item catalog.WorkItem, force bool) (*client.Score, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// ChunkSize is the number of ids per cache-check call.
	ChunkSize int

	// BreakerThreshold is the consecutive failure count that halts a run.
	BreakerThreshold int

	// Pacing spaces item dispatches.
	Pacing breaker.PacerConfig

	// MaxItems caps the scope of a run when Settings.MaxItems is zero.
	MaxItems int

	// OnProgress receives a RunState copy after every accepted state change.
	// Calls are serialized in state order; a copy older than one already
	// delivered is skipped. It must not block or call Stop.
	OnProgress func(RunState)
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		BreakerThreshold: breaker.DefaultThreshold,
		Pacing:           breaker.DefaultPacerConfig(),
		MaxItems:         DefaultMaxItems,
	}
}

// Settings are the per-run options chosen by the operator.
type Settings struct {
	// Concurrency is the requested number of parallel runners.
	Concurrency int

	// SkipCached enables the cache precheck.
	SkipCached bool

	// ForceRecompute disables the precheck and asks the service to recompute
	// stored scores.
	ForceRecompute bool

	// MaxItems overrides Config.MaxItems when positive.
	MaxItems int
}

// DefaultSettings returns the default run settings.
func DefaultSettings() Settings {
	return Settings{
		Concurrency: DefaultConcurrency,
		SkipCached:  true,
	}
}

// Scope is the candidate item set of a run: the selected items when any are
// selected, otherwise the filtered items.
type Scope struct {
	Selected []catalog.WorkItem
	Filtered []catalog.WorkItem
}

// Orchestrator runs batch scoring and single-item loads against one item
// table. It is safe for concurrent use; at most one batch run is active.
type Orchestrator struct {
	service    ScoringService
	store      cache.Store
	config     Config
	controller *RunController
	flights    singleflight.Group
	runs       sync.WaitGroup
	logger     zerolog.Logger
}

// New creates an orchestrator.
func New(service ScoringService, store cache.Store, cfg Config) (*Orchestrator, error) {
	if service == nil {
		return nil, fmt.Errorf("scoring service is required")
	}
	if store == nil {
		return nil, fmt.Errorf("item store is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be >= 0 (got %d)", cfg.ChunkSize)
	}
	if cfg.BreakerThreshold < 0 {
		return nil, fmt.Errorf("breaker threshold must be >= 0 (got %d)", cfg.BreakerThreshold)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = breaker.DefaultThreshold
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}

	return &Orchestrator{
		service:    service,
		store:      store,
		config:     cfg,
		controller: NewRunController(cfg.OnProgress),
		logger:     logging.NewLogger("orchestrator"),
	}, nil
}

// run is the immutable context of one batch run.
type run struct {
	token    uint64
	ctx      context.Context
	items    []catalog.WorkItem
	settings Settings
	logger   zerolog.Logger
	release  func() bool
}

// Run executes a batch run and blocks until it finished or was stopped.
// A stopped run is not an error; the returned state has Cancelled set.
func (o *Orchestrator) Run(ctx context.Context, scope Scope, settings Settings) (RunState, error) {
	r, err := o.begin(ctx, scope, settings)
	if err != nil {
		return o.Snapshot(), err
	}
	return o.execute(r)
}

// Start begins a batch run in the background and returns its initial state.
// ctx bounds the whole run, so it must outlive the caller's request.
func (o *Orchestrator) Start(ctx context.Context, scope Scope, settings Settings) (RunState, error) {
	r, err := o.begin(ctx, scope, settings)
	if err != nil {
		return o.Snapshot(), err
	}

	o.runs.Add(1)
	go func() {
		defer o.runs.Done()
		if _, err := o.execute(r); err != nil {
			r.logger.Error().Err(err).Msg("Background batch run failed")
		}
	}()
	return o.Snapshot(), nil
}

// Wait blocks until every background run has returned and reports the final
// state.
func (o *Orchestrator) Wait() RunState {
	o.runs.Wait()
	return o.Snapshot()
}

// Stop cancels the active run. In-flight calls are aborted and their late
// results are discarded. It returns the frozen state.
func (o *Orchestrator) Stop() RunState {
	state, stopped := o.controller.Stop()
	if stopped {
		o.logger.Info().
			Str("run_id", state.RunID).
			Uint64("token", state.Token).
			Int("completed", state.Completed).
			Int("total", state.Total).
			Msg("Batch run stopped")
	}
	return state
}

// Snapshot returns the current run state.
func (o *Orchestrator) Snapshot() RunState {
	return o.controller.Snapshot()
}

func (o *Orchestrator) begin(ctx context.Context, scope Scope, settings Settings) (*run, error) {
	if settings.Concurrency < 1 {
		settings.Concurrency = DefaultConcurrency
	}
	maxItems := o.config.MaxItems
	if settings.MaxItems > 0 {
		maxItems = settings.MaxItems
	}

	items := catalog.ResolveScope(scope.Selected, scope.Filtered, maxItems)

	token, runCtx, err := o.controller.Begin(ctx, len(items))
	if err != nil {
		return nil, err
	}

	// Cancelling the caller's context stops the run like an operator Stop.
	release := context.AfterFunc(ctx, func() {
		o.controller.Cancel(token)
	})

	state := o.controller.Snapshot()
	r := &run{
		token:    token,
		ctx:      runCtx,
		items:    items,
		settings: settings,
		logger:   o.logger.With().Str("run_id", state.RunID).Uint64("token", token).Logger(),
		release:  release,
	}

	for _, item := range items {
		next := o.entry(runCtx, item.ID).Transition(cache.StatusQueued)
		next.Error, next.ErrorKind = "", ""
		o.write(r, next)
	}

	r.logger.Info().
		Int("total", len(items)).
		Int("concurrency", settings.Concurrency).
		Bool("skip_cached", settings.SkipCached).
		Bool("force_recompute", settings.ForceRecompute).
		Msg("Batch run started")

	return r, nil
}

func (o *Orchestrator) execute(r *run) (RunState, error) {
	defer r.release()
	start := time.Now()

	queue := r.items
	if r.settings.SkipCached && !r.settings.ForceRecompute && len(queue) > 0 {
		partition, err := Precheck(r.ctx, o.service, queue, o.config.ChunkSize, r.logger)
		if err != nil {
			if r.ctx.Err() != nil || !o.controller.Valid(r.token) {
				return o.cancelled(r), nil
			}

			failure := fmt.Errorf("%w: %w", ErrPrecheckFailed, err)
			if !o.controller.Finish(r.token, failure) {
				return o.cancelled(r), nil
			}
			state := o.final(r)
			o.resetActive(r, state.FinishedAt)
			runsTotal.WithLabelValues("precheck_failed").Inc()
			r.logger.Error().Err(err).Msg("Batch run aborted by cache precheck failure")
			return state, failure
		}

		o.applyCached(r, partition.Cached)
		queue = partition.ToCompute
	}

	o.controller.Apply(r.token, func(s *RunState) {
		s.Queued = len(queue)
	})

	br := breaker.New(o.config.BreakerThreshold, r.logger)
	pacer := breaker.NewPacer(o.config.Pacing)

	// settled marks queue positions whose outcome was counted.
	settled := make([]atomic.Bool, len(queue))

	cfg := pool.Config{
		Concurrency: r.settings.Concurrency,
		Logger:      &r.logger,
		OnError: func(index int, err error) {
			var panicErr *pool.PanicError
			if errors.As(err, &panicErr) {
				br.RecordFailure()
				o.settle(r, &settled[index], queue[index], nil, err)
			}
		},
	}
	stats, _ := pool.Run(r.ctx, cfg, len(queue), func(ctx context.Context, index int) error {
		return o.process(ctx, r, br, pacer, &settled[index], queue[index], index)
	})

	if r.ctx.Err() != nil {
		o.controller.Cancel(r.token)
	}
	if !o.controller.Finish(r.token, nil) {
		return o.cancelled(r), nil
	}

	state := o.final(r)
	outcome := "completed"
	if state.Halted {
		outcome = "halted"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(time.Since(start).Seconds())

	r.logger.Info().
		Int("completed", state.Completed).
		Int("total", state.Total).
		Int("cached_hits", state.CachedHits).
		Int("success", state.Success).
		Int("errors", state.Errors).
		Int("runners", stats.Runners).
		Dur("duration", time.Since(start)).
		Msg("Batch run finished: " + state.Summary())

	return state, nil
}

// process handles one queued item on a pool runner.
func (o *Orchestrator) process(ctx context.Context, r *run, br *breaker.Breaker, pacer *breaker.Pacer, settled *atomic.Bool, item catalog.WorkItem, index int) error {
	dispatched := o.controller.Apply(r.token, func(s *RunState) {
		s.Queued--
		s.CurrentItemID = item.ID
	})
	if !dispatched {
		return nil
	}

	if index > 0 {
		if err := pacer.Wait(ctx, br.Consecutive()); err != nil {
			return nil
		}
	}

	if !br.Allow() {
		o.controller.Apply(r.token, func(s *RunState) { s.Halted = true })
		o.settle(r, settled, item, nil, breaker.ErrCircuitOpen)
		return breaker.ErrCircuitOpen
	}

	itemCtx, cancel := context.WithCancel(ctx)
	release, ok := o.controller.Track(r.token, cancel)
	if !ok {
		return nil
	}
	defer release()

	o.write(r, o.entry(itemCtx, item.ID).Transition(cache.StatusRunning))

	score, err := o.service.ComputeScore(itemCtx, item, r.settings.ForceRecompute)
	if err != nil {
		if client.IsCancelled(err) {
			r.logger.Debug().Str("item_id", item.ID).Msg("Item aborted")
			return nil
		}
		if br.RecordFailure() {
			o.controller.Apply(r.token, func(s *RunState) { s.Halted = true })
		}
	} else {
		br.RecordSuccess()
	}

	o.settle(r, settled, item, score, err)
	return err
}

// settle records the outcome of one item if its run is still live. Only the
// first call for a given settled flag is counted.
func (o *Orchestrator) settle(r *run, settled *atomic.Bool, item catalog.WorkItem, score *client.Score, err error) {
	if !settled.CompareAndSwap(false, true) {
		return
	}
	next := o.entry(r.ctx, item.ID).Transition(cache.StatusComputed)
	result := "computed"
	if err != nil {
		result = "error"
		next.Status = cache.StatusError
		next.Error = err.Error()
		next.ErrorKind = errorKind(err)
		if errors.Is(err, breaker.ErrCircuitOpen) {
			result = "circuit_open"
		}
	} else {
		summary := score.Summary()
		next.Summary = &summary
		next.Detail = score.Raw
		next.Error, next.ErrorKind = "", ""
	}

	applied := o.controller.Apply(r.token, func(s *RunState) {
		s.Completed++
		if err != nil {
			s.Errors++
		} else {
			s.Success++
		}
	})
	if !applied {
		return
	}
	runItemsTotal.WithLabelValues(result).Inc()

	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("item_id", item.ID).
			Str("error_kind", next.ErrorKind).
			Msg("Item failed")
	} else {
		r.logger.Debug().
			Str("item_id", item.ID).
			Float64("score", score.Value).
			Msg("Item scored")
	}
	o.put(r.ctx, next)
}

// applyCached records precheck hits as completed cached items.
func (o *Orchestrator) applyCached(r *run, cached []CachedItem) {
	if len(cached) == 0 {
		return
	}

	for _, c := range cached {
		prev := o.entry(r.ctx, c.Item.ID)
		next := prev.Transition(cache.StatusCached)
		if prev.Summary == nil || *prev.Summary != c.Summary {
			next.Detail = nil
		}
		summary := c.Summary
		next.Summary = &summary
		next.Error, next.ErrorKind = "", ""
		o.write(r, next)
	}

	applied := o.controller.Apply(r.token, func(s *RunState) {
		s.Completed += len(cached)
		s.CachedHits += len(cached)
	})
	if applied {
		runItemsTotal.WithLabelValues("cached").Add(float64(len(cached)))
		r.logger.Info().Int("cached", len(cached)).Msg("Cache precheck complete")
	}
}

// cancelled finalizes a stopped run.
func (o *Orchestrator) cancelled(r *run) RunState {
	o.controller.Cancel(r.token)
	state := o.final(r)
	o.resetActive(r, state.FinishedAt)
	runsTotal.WithLabelValues("cancelled").Inc()
	r.logger.Info().
		Int("completed", state.Completed).
		Int("total", state.Total).
		Msg("Batch run cancelled")
	return state
}

// final collects the frozen state of r.
func (o *Orchestrator) final(r *run) RunState {
	if state, ok := o.controller.Final(r.token); ok {
		return state
	}
	return o.controller.Snapshot()
}

// resetActive returns entries of r still queued or running to idle. The
// writes are stamped with the run's end time: entries written after it
// belong to a newer run and are left alone.
func (o *Orchestrator) resetActive(r *run, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	reset := 0
	for _, item := range r.items {
		e := o.entry(r.ctx, item.ID)
		if !e.Status.Active() || e.UpdatedAt.After(at) {
			continue
		}
		next := e.Clone()
		next.Status = cache.StatusIdle
		next.UpdatedAt = at
		o.put(r.ctx, next)
		reset++
	}
	if reset > 0 {
		r.logger.Debug().Int("reset", reset).Msg("Returned unfinished items to idle")
	}
}

// write stores e only while r is live.
func (o *Orchestrator) write(r *run, e *cache.ItemEntry) {
	if !o.controller.Valid(r.token) {
		return
	}
	o.put(r.ctx, e)
}

func (o *Orchestrator) put(ctx context.Context, e *cache.ItemEntry) {
	sctx, cancel := storeContext(ctx)
	defer cancel()

	if err := o.store.Put(sctx, e); err != nil {
		if errors.Is(err, cache.ErrStaleWrite) {
			o.logger.Debug().Str("item_id", e.ID).Str("status", string(e.Status)).Msg("Discarded stale item write")
			return
		}
		o.logger.Warn().Err(err).Str("item_id", e.ID).Msg("Failed to write item entry")
	}
}

// entry returns the stored entry for id, or a fresh idle entry.
func (o *Orchestrator) entry(ctx context.Context, id string) *cache.ItemEntry {
	sctx, cancel := storeContext(ctx)
	defer cancel()

	e, err := o.store.Get(sctx, id)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			o.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to read item entry")
		}
		return &cache.ItemEntry{ID: id, Status: cache.StatusIdle}
	}
	return e
}

// Entry returns the table entry for id. Items never touched are reported idle.
func (o *Orchestrator) Entry(ctx context.Context, id string) (*cache.ItemEntry, error) {
	e, err := o.store.Get(ctx, id)
	if errors.Is(err, cache.ErrCacheMiss) {
		return &cache.ItemEntry{ID: id, Status: cache.StatusIdle}, nil
	}
	return e, err
}

// Entries returns every stored entry ordered by id.
func (o *Orchestrator) Entries(ctx context.Context) ([]*cache.ItemEntry, error) {
	return o.store.List(ctx)
}

// ClearEntries empties the item table. It refuses while a run is running.
func (o *Orchestrator) ClearEntries(ctx context.Context) error {
	if o.controller.Snapshot().Running {
		return ErrRunActive
	}
	if err := o.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear item table: %w", err)
	}
	o.logger.Info().Msg("Item table cleared")
	return nil
}

// storeContext detaches store operations from run cancellation, so a Stop
// can still record its cleanup, and bounds them with storeTimeout.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// errorKind names the classification of an item error.
func errorKind(err error) string {
	var panicErr *pool.PanicError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &panicErr):
		return "panic"
	}
	if kind := client.KindOf(err); kind != "" {
		return string(kind)
	}
	return "unknown"
}
