package cache

import (
	"encoding/json"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
)

// Status is the lifecycle state of one item in the result table.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusCached   Status = "cached"
	StatusComputed Status = "computed"
	StatusError    Status = "error"
)

// Active reports whether s represents work that has not finished yet.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Settled reports whether s is a final outcome of some operation.
func (s Status) Settled() bool {
	return s == StatusCached || s == StatusComputed || s == StatusError
}

// ItemEntry is the stored result of one work item.
type ItemEntry struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Summary is set once a score is known (cached or computed).
	Summary *client.Summary `json:"summary,omitempty"`

	// Detail is the full score payload, set by single-item loads and
	// computes. Batch prechecks only fill Summary.
	Detail json.RawMessage `json:"detail,omitempty"`

	// Error is the inline message shown for a failed item.
	Error string `json:"error,omitempty"`

	// ErrorKind is the classification of Error ("network", "circuit_open", ...).
	ErrorKind string `json:"error_kind,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntry returns an entry for id in the given status, stamped now.
func NewEntry(id string, status Status) *ItemEntry {
	return &ItemEntry{
		ID:        id,
		Status:    status,
		UpdatedAt: time.Now(),
	}
}

// Clone returns a deep copy of e.
func (e *ItemEntry) Clone() *ItemEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Summary != nil {
		s := *e.Summary
		out.Summary = &s
	}
	if e.Detail != nil {
		out.Detail = append(json.RawMessage(nil), e.Detail...)
	}
	return &out
}

// Transition returns a copy of e moved to status, stamped now. Score and
// error fields are carried over unless the caller replaces them.
func (e *ItemEntry) Transition(status Status) *ItemEntry {
	out := e.Clone()
	out.Status = status
	out.UpdatedAt = time.Now()
	if !out.UpdatedAt.After(e.UpdatedAt) {
		out.UpdatedAt = e.UpdatedAt.Add(time.Nanosecond)
	}
	return out
}

// olderThan reports whether e must lose against stored under last-writer-wins.
func (e *ItemEntry) olderThan(stored *ItemEntry) bool {
	return stored != nil && e.UpdatedAt.Before(stored.UpdatedAt)
}
