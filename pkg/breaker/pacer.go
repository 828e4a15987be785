package breaker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pacingDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "scoring_pacing_delay_seconds",
	Help:    "Pacing delay applied before dispatching an item",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3},
})

// PacerConfig configures adaptive pacing.
type PacerConfig struct {
	// Base is the delay applied before every item after the first.
	Base time.Duration

	// Step is added per consecutive failure.
	Step time.Duration

	// Max caps the delay.
	Max time.Duration
}

// DefaultPacerConfig returns the default pacing.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		Base: DefaultPaceBase,
		Step: DefaultPaceStep,
		Max:  DefaultPaceMax,
	}
}

// Pacer spaces item dispatches across the whole pool, slowing down while
// the backend is failing.
type Pacer struct {
	config PacerConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a pacer.
func NewPacer(cfg PacerConfig) *Pacer {
	return &Pacer{
		config: cfg,
		sleep:  sleepContext,
	}
}

// Delay returns the pacing delay for the given consecutive failure count.
func (p *Pacer) Delay(consecutive int) time.Duration {
	if consecutive < 0 {
		consecutive = 0
	}
	d := p.config.Base + time.Duration(consecutive)*p.config.Step
	if p.config.Max > 0 && d > p.config.Max {
		d = p.config.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Wait sleeps for Delay(consecutive) or until ctx is done.
func (p *Pacer) Wait(ctx context.Context, consecutive int) error {
	d := p.Delay(consecutive)
	pacingDelaySeconds.Observe(d.Seconds())
	return p.sleep(ctx, d)
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
