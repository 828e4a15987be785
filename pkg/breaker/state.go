// Package breaker implements the run-scoped circuit breaker and the adaptive
// pacing applied between item dispatches of a batch run.
//
// One Breaker counts consecutive item failures across the whole run, not per
// item. Any success resets the count. Once the count reaches the threshold
// the breaker is open and further items must be resolved without a network
// call. A fresh run gets a fresh Breaker.
package breaker

import (
	"time"
)

// Defaults for a batch run.
const (
	// DefaultThreshold opens the breaker after this many consecutive failures.
	DefaultThreshold = 5

	// DefaultPaceBase is the delay before every item after the first.
	DefaultPaceBase = 150 * time.Millisecond

	// DefaultPaceStep is added to the pacing delay per consecutive failure.
	DefaultPaceStep = 250 * time.Millisecond

	// DefaultPaceMax caps the pacing delay.
	DefaultPaceMax = 3 * time.Second
)

// State is a point-in-time view of a Breaker.
type State struct {
	// ConsecutiveErrors is the current run of failures since the last success.
	ConsecutiveErrors int `json:"consecutive_errors"`

	Threshold int `json:"threshold"`

	// Trips counts how many times the breaker opened during the run.
	Trips int `json:"trips"`

	// TrippedAt is when the breaker last opened. Zero if it never did.
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}

// Open reports whether the breaker blocks further calls.
func (s State) Open() bool {
	return s.ConsecutiveErrors >= s.Threshold
}

// Tripped reports whether the breaker opened at least once.
func (s State) Tripped() bool {
	return s.Trips > 0
}
