package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for the worker pool.
var (
	poolActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scoring_pool_active_workers",
		Help: "Number of runner loops currently executing a task",
	})

	poolTaskPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoring_pool_task_panics_total",
		Help: "Total number of tasks that panicked and were recovered",
	})
)

// Task processes the item at index.
type Task func(ctx context.Context, index int) error

// Config holds pool configuration.
type Config struct {
	// Concurrency is the requested number of runners. The effective number
	// is EffectiveConcurrency(Concurrency, n).
	Concurrency int

	// OnError is called from the failing runner with the index and error of
	// every failed task, including recovered panics. Optional.
	OnError func(index int, err error)

	// Logger receives runner lifecycle logs. Defaults to the global logger.
	Logger *zerolog.Logger
}

// Stats summarizes one Run.
type Stats struct {
	// Runners is the effective concurrency used.
	Runners int

	// Claimed is the number of indexes handed to a task.
	Claimed int

	// Failed is the number of tasks that returned an error or panicked.
	Failed int

	Duration time.Duration
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// EffectiveConcurrency returns max(1, min(requested, n)).
func EffectiveConcurrency(requested, n int) int {
	c := min(requested, n)
	if c < 1 {
		c = 1
	}
	return c
}

// Run executes task for every index in [0, n). It returns ctx's error if ctx
// was cancelled before every index was claimed.
func Run(ctx context.Context, cfg Config, n int, task Task) (Stats, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	start := time.Now()
	runners := EffectiveConcurrency(cfg.Concurrency, n)
	stats := Stats{Runners: runners}
	if n <= 0 {
		return stats, ctx.Err()
	}

	var (
		cursor  atomic.Int64
		claimed atomic.Int64
		failed  atomic.Int64
		g       errgroup.Group
	)

	for r := 0; r < runners; r++ {
		g.Go(func() error {
			processed := 0
			for {
				if ctx.Err() != nil {
					logger.Debug().
						Int("runner", r).
						Int("processed", processed).
						Msg("Runner stopping (context cancelled)")
					return nil
				}

				index := int(cursor.Add(1) - 1)
				if index >= n {
					break
				}
				claimed.Add(1)

				if err := runTask(ctx, task, index); err != nil {
					failed.Add(1)
					if cfg.OnError != nil {
						cfg.OnError(index, err)
					}
				}
				processed++
			}

			logger.Debug().
				Int("runner", r).
				Int("processed", processed).
				Msg("Runner completed")
			return nil
		})
	}

	// Runners never return errors; Wait is the join.
	_ = g.Wait()

	stats.Claimed = int(claimed.Load())
	stats.Failed = int(failed.Load())
	stats.Duration = time.Since(start)

	if stats.Claimed < n {
		return stats, ctx.Err()
	}
	return stats, nil
}

// runTask runs one task, converting a panic into a *PanicError.
func runTask(ctx context.Context, task Task, index int) (err error) {
	poolActiveWorkers.Inc()
	defer poolActiveWorkers.Dec()

	defer func() {
		if r := recover(); r != nil {
			poolTaskPanicsTotal.Inc()
			stack := debug.Stack()
			log.Error().
				Int("index", index).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("Recovered panic in pool task")
			err = &PanicError{Value: r, Stack: stack}
		}
	}()

	return task(ctx, index)
}
