package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunController owns the run lifecycle: the live run token, the abort
// handles of in-flight calls and the current RunState.
//
// Every asynchronous completion captures the token of the run it belongs to
// and mutates state only through Apply, which discards the mutation when the
// token is no longer live. Stop bumps the token, so anything that completes
// after a Stop is dropped.
type RunController struct {
	mu      sync.Mutex
	token   uint64
	state   RunState
	handles map[uint64]context.CancelFunc
	nextID  uint64
	cancel  context.CancelFunc

	// ended holds frozen states until the run that produced them collects
	// them with Final.
	ended map[uint64]RunState

	// seq numbers every snapshot taken under mu. Delivery happens outside mu
	// under pubMu and skips any snapshot older than lastSeq.
	seq     uint64
	pubMu   sync.Mutex
	lastSeq uint64

	// notify is called with a copy of the state after every accepted change,
	// outside the lock.
	notify func(RunState)
	logger zerolog.Logger
}

// NewRunController creates a controller in PhaseNotStarted.
func NewRunController(notify func(RunState)) *RunController {
	return &RunController{
		state:   RunState{Phase: PhaseNotStarted},
		handles: make(map[uint64]context.CancelFunc),
		ended:   make(map[uint64]RunState),
		notify:  notify,
		logger:  logging.NewLogger("run-controller"),
	}
}

// Begin enters PhaseRunning with a fresh RunState for total items and
// returns the new token and the run context. It fails with ErrRunActive
// while another run is running.
func (c *RunController) Begin(parent context.Context, total int) (uint64, context.Context, error) {
	c.mu.Lock()
	if c.state.Phase == PhaseRunning {
		c.mu.Unlock()
		return 0, nil, ErrRunActive
	}

	c.token++
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.handles = make(map[uint64]context.CancelFunc)
	c.state = RunState{
		RunID:     uuid.NewString(),
		Token:     c.token,
		Phase:     PhaseRunning,
		Running:   true,
		Total:     total,
		StartedAt: time.Now(),
	}
	token, snapshot, seq := c.token, c.state, c.nextSeqLocked()
	c.mu.Unlock()

	c.publish(seq, snapshot)
	return token, ctx, nil
}

// Token returns the live token.
func (c *RunController) Token() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Valid reports whether token identifies the running run.
func (c *RunController) Valid(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked(token)
}

func (c *RunController) validLocked(token uint64) bool {
	return token == c.token && c.state.Phase == PhaseRunning
}

// Apply runs fn against the live state if token is still valid. It returns
// false, without calling fn, for a stale token.
func (c *RunController) Apply(token uint64, fn func(*RunState)) bool {
	c.mu.Lock()
	if !c.validLocked(token) {
		c.mu.Unlock()
		return false
	}
	fn(&c.state)
	snapshot, seq := c.state, c.nextSeqLocked()
	c.mu.Unlock()

	c.publish(seq, snapshot)
	return true
}

// Track registers cancel as the abort handle of an in-flight call. The
// returned release func must be called when the call returns. For a stale
// token cancel is invoked immediately and ok is false.
func (c *RunController) Track(token uint64, cancel context.CancelFunc) (release func(), ok bool) {
	c.mu.Lock()
	if !c.validLocked(token) {
		c.mu.Unlock()
		cancel()
		return func() {}, false
	}
	c.nextID++
	id := c.nextID
	c.handles[id] = cancel
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handles, id)
		c.mu.Unlock()
		cancel()
	}, true
}

// InFlight returns the number of registered abort handles.
func (c *RunController) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Finish moves the run identified by token to PhaseFinished. A non-nil
// failure is recorded in RunState.Error. It returns false if token is stale
// or the run already ended.
func (c *RunController) Finish(token uint64, failure error) bool {
	c.mu.Lock()
	if !c.validLocked(token) {
		c.mu.Unlock()
		return false
	}
	if failure != nil {
		c.state.Error = failure.Error()
	}
	c.endLocked(PhaseFinished)
	snapshot, seq := c.state, c.nextSeqLocked()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.publish(seq, snapshot)
	return true
}

// Cancel stops the run identified by token. It is a no-op for a stale token.
func (c *RunController) Cancel(token uint64) (RunState, bool) {
	c.mu.Lock()
	if !c.validLocked(token) {
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, false
	}
	return c.stopLocked()
}

// Stop cancels the running run, if any: the token is bumped, every in-flight
// call is aborted and the state moves to PhaseCancelled. It returns the
// frozen state and whether a run was stopped.
func (c *RunController) Stop() (RunState, bool) {
	c.mu.Lock()
	if c.state.Phase != PhaseRunning {
		snapshot := c.state
		c.mu.Unlock()
		return snapshot, false
	}
	return c.stopLocked()
}

// stopLocked is called with c.mu held and releases it.
func (c *RunController) stopLocked() (RunState, bool) {
	c.token++
	handles := c.handles
	c.handles = make(map[uint64]context.CancelFunc)
	cancel := c.cancel

	c.state.Cancelled = true
	c.endLocked(PhaseCancelled)
	snapshot, seq := c.state, c.nextSeqLocked()
	c.mu.Unlock()

	for _, abort := range handles {
		abort()
	}
	if cancel != nil {
		cancel()
	}

	c.publish(seq, snapshot)
	return snapshot, true
}

func (c *RunController) endLocked(phase Phase) {
	c.state.Phase = phase
	c.state.Running = false
	c.state.FinishedAt = time.Now()
	c.state.CurrentItemID = ""
	c.state.Queued = 0
	c.ended[c.state.Token] = c.state
}

// Final returns the frozen state of the run identified by token and forgets
// it. ok is false if that run has not ended or was already collected.
func (c *RunController) Final(token uint64) (RunState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.ended[token]
	delete(c.ended, token)
	return s, ok
}

// Snapshot returns a copy of the current state.
func (c *RunController) Snapshot() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RunController) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

// publish delivers s unless a newer snapshot has already been delivered.
// A panicking notify is logged and does not affect the state.
func (c *RunController) publish(seq uint64, s RunState) {
	if c.notify == nil {
		return
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if seq <= c.lastSeq {
		return
	}
	c.lastSeq = seq

	defer func() {
		if v := recover(); v != nil {
			c.logger.Error().
				Str("run_id", s.RunID).
				Str("panic", fmt.Sprint(v)).
				Msg("Progress callback panicked")
		}
	}()
	c.notify(s)
}
