package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPacer_Delay(t *testing.T) {
	p := NewPacer(DefaultPacerConfig())

	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{consecutive: -1, want: 150 * time.Millisecond},
		{consecutive: 0, want: 150 * time.Millisecond},
		{consecutive: 1, want: 400 * time.Millisecond},
		{consecutive: 4, want: 1150 * time.Millisecond},
		{consecutive: 11, want: 2900 * time.Millisecond},
		{consecutive: 12, want: 3 * time.Second},
		{consecutive: 1000, want: 3 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.consecutive); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.consecutive, got, tt.want)
		}
	}
}

func TestPacer_DelayUncapped(t *testing.T) {
	p := NewPacer(PacerConfig{Base: time.Millisecond, Step: time.Millisecond})
	if got, want := p.Delay(100), 101*time.Millisecond; got != want {
		t.Errorf("Delay(100) = %v, want %v", got, want)
	}
}

func TestPacer_WaitUsesDelay(t *testing.T) {
	p := NewPacer(DefaultPacerConfig())
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	p.Wait(context.Background(), 0)
	p.Wait(context.Background(), 2)

	if len(slept) != 2 || slept[0] != 150*time.Millisecond || slept[1] != 650*time.Millisecond {
		t.Errorf("slept = %v, want [150ms 650ms]", slept)
	}
}

func TestPacer_WaitCancelled(t *testing.T) {
	p := NewPacer(PacerConfig{Base: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := p.Wait(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait() returned after %v, want prompt return on cancel", elapsed)
	}
}
