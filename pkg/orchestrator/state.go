package orchestrator

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of a batch run.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseFinished   Phase = "finished"
	PhaseCancelled  Phase = "cancelled"
)

// RunState is the externally observed progress of a batch run. Values
// returned by the orchestrator are copies; mutating them has no effect.
//
// Counters satisfy Completed <= Total and
// Completed == CachedHits + Success + Errors at every observation. A run
// that finishes normally has Completed == Total.
type RunState struct {
	// RunID correlates logs of one run.
	RunID string `json:"run_id,omitempty"`

	// Token is the run generation that produced this state.
	Token uint64 `json:"token"`

	Phase   Phase `json:"phase"`
	Running bool  `json:"running"`

	Total     int `json:"total"`
	Completed int `json:"completed"`

	// Queued is the number of items waiting for a runner.
	Queued int `json:"queued"`

	CachedHits int `json:"cached_hits"`
	Success    int `json:"success"`
	Errors     int `json:"errors"`

	Cancelled bool `json:"cancelled"`

	// Halted is set once the circuit breaker tripped during the run.
	Halted bool `json:"halted"`

	// Error is set when the cache precheck aborted the run.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// CurrentItemID is the item most recently dispatched.
	CurrentItemID string `json:"current_item_id,omitempty"`
}

// Consistent reports whether the counter invariants hold.
func (s RunState) Consistent() bool {
	return s.Completed <= s.Total &&
		s.Completed == s.CachedHits+s.Success+s.Errors &&
		s.Queued >= 0
}

// Done reports whether the run reached a final phase.
func (s RunState) Done() bool {
	return s.Phase == PhaseFinished || s.Phase == PhaseCancelled
}

// Summary returns the one-line run-level message shown to the operator.
func (s RunState) Summary() string {
	switch {
	case s.Phase == PhaseNotStarted || s.Phase == "":
		return "not started"
	case s.Error != "":
		return "failed: " + s.Error
	case s.Halted:
		return "halted: circuit breaker tripped"
	case s.Phase == PhaseCancelled:
		return fmt.Sprintf("cancelled: %d of %d done", s.Completed, s.Total)
	case s.Phase == PhaseRunning:
		return fmt.Sprintf("running: %d of %d done", s.Completed, s.Total)
	}
	return fmt.Sprintf("%d scored, %d cached, %d failed", s.Success, s.CachedHits, s.Errors)
}
