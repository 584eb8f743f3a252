package request

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Tracker holds the state of one asynchronous request: its lifecycle state,
// its per-node progress and the accumulated result.
//
// State machine:
//
//	PENDING ──Start / first step──▶ RUNNING ──all steps──▶ COMPLETE
//	   │                              │
//	   │                              ├──step failure──▶ FAILED
//	   └────────────Cancel────────────┴──Cancel────────▶ CANCELED
//
// COMPLETE, CANCELED and FAILED are absorbing. Any later mutation returns
// ErrTerminal (or false for Cancel) and leaves the tracker untouched.
//
// Thread Safety:
// Every read and write goes through one mutex, so the state, the completed
// step count and the result always change together. A Snapshot never shows
// completedSteps == numSteps while the state is still RUNNING. No method
// blocks on anything but that mutex.
type Tracker struct {
	id        string
	params    Params
	numSteps  int
	submitted time.Time
	clock     clock.PassiveClock
	done      chan struct{}

	mu             sync.Mutex
	state          State
	completedSteps int
	failureReason  string
	lastUpdated    time.Time
	terminalAt     time.Time
	agg            Aggregator
}

// NewTracker validates params and creates a PENDING tracker expecting
// numSteps node-level steps. numSteps must be at least one; a zero-step
// request has no defined completion percentage and is rejected.
//
// A nil clk uses the wall clock.
func NewTracker(id string, params Params, numSteps int, clk clock.PassiveClock) (*Tracker, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Msg: "request id cannot be empty"}
	}
	if numSteps < 1 {
		return nil, &ValidationError{Field: "numSteps", Msg: fmt.Sprintf("must be at least 1, got %d", numSteps)}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	agg, err := NewAggregator(params)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	now := clk.Now()
	return &Tracker{
		id:          id,
		params:      params,
		numSteps:    numSteps,
		submitted:   now,
		clock:       clk,
		done:        make(chan struct{}),
		state:       StatePending,
		lastUpdated: now,
		agg:         agg,
	}, nil
}

// ID returns the request id.
func (t *Tracker) ID() string { return t.id }

// Kind returns the request kind.
func (t *Tracker) Kind() Kind { return t.params.Kind }

// Params returns the submission parameters.
func (t *Tracker) Params() Params { return t.params }

// NumSteps returns how many node-level steps the request waits for.
func (t *Tracker) NumSteps() int { return t.numSteps }

// Done is closed when the tracker enters a terminal state.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Start moves a PENDING tracker to RUNNING. It returns false if the tracker
// had already left PENDING.
func (t *Tracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateRunning
	t.lastUpdated = t.clock.Now()
	return true
}

// RecordStepResult folds one node's payload into the result and counts the
// step. When the last step arrives the tracker becomes COMPLETE.
//
// Returns ErrTerminal if the request already finished; the payload is
// discarded. A payload the aggregator cannot accept fails the request and
// is reported as an *InternalFailure.
func (t *Tracker) RecordStepResult(nodeID string, payload StepPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsTerminal() {
		return t.terminalErr()
	}
	if payload == nil || payload.payloadKind() != t.params.Kind {
		err := &InternalFailure{Err: fmt.Errorf("node %s sent a %s payload to a %s request", nodeID, payloadKindOf(payload), t.params.Kind)}
		t.finish(StateFailed, err.Error())
		return err
	}
	if err := t.agg.Accumulate(payload); err != nil {
		ierr := &InternalFailure{Err: fmt.Errorf("node %s: %w", nodeID, err)}
		t.finish(StateFailed, ierr.Error())
		return ierr
	}

	t.completedSteps++
	if t.completedSteps >= t.numSteps {
		t.finish(StateComplete, "")
		return nil
	}
	t.state = StateRunning
	t.lastUpdated = t.clock.Now()
	return nil
}

// RecordStepFailure fails the request at once without waiting for other
// steps. The failure reason names the node. Returns ErrTerminal if the
// request already finished.
func (t *Tracker) RecordStepFailure(nodeID string, reason error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsTerminal() {
		return t.terminalErr()
	}
	msg := "unknown error"
	if reason != nil {
		msg = reason.Error()
	}
	if nodeID != "" {
		msg = fmt.Sprintf("step on node %s failed: %s", nodeID, msg)
	}
	t.finish(StateFailed, msg)
	return nil
}

// Fail marks the request FAILED for a reason not tied to one node.
func (t *Tracker) Fail(reason error) error {
	return t.RecordStepFailure("", reason)
}

// Cancel moves the request to CANCELED. It returns true only if the call
// made that transition; a request that is already COMPLETE, CANCELED or
// FAILED stays as it is and false is returned.
func (t *Tracker) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsTerminal() {
		return false
	}
	t.finish(StateCanceled, "")
	return true
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsTerminal reports whether the request has finished.
func (t *Tracker) IsTerminal() bool {
	return t.State().IsTerminal()
}

// TerminalSince returns when the request finished, and false while it is
// still live.
func (t *Tracker) TerminalSince() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminalAt, t.state.IsTerminal()
}

// CompletionPercentage is floor(100 * completed / numSteps), in [0, 100].
func (t *Tracker) CompletionPercentage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentLocked()
}

// Snapshot returns an immutable copy of every field, read atomically.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		ID:               t.id,
		Kind:             t.params.Kind,
		State:            t.state,
		PercentCompleted: t.percentLocked(),
		SubmissionTime:   t.submitted,
		LastUpdated:      t.lastUpdated,
		FailureReason:    t.failureReason,
		QueueSize:        t.params.QueueSize,
		NumSteps:         t.numSteps,
		CompletedSteps:   t.completedSteps,
	}
	if t.params.Kind == KindListing {
		s.SortColumn = t.params.SortColumn
		s.SortDirection = t.params.SortDirection
		s.MaxResults = t.params.MaxResults
	}
	t.agg.Fill(&s)
	return s
}

func (t *Tracker) percentLocked() int {
	p := 100 * t.completedSteps / t.numSteps
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// finish enters a terminal state. Caller holds t.mu.
func (t *Tracker) finish(state State, reason string) {
	now := t.clock.Now()
	t.state = state
	t.failureReason = reason
	t.lastUpdated = now
	t.terminalAt = now
	close(t.done)
}

func (t *Tracker) terminalErr() error {
	return fmt.Errorf("request %s is %s: %w", t.id, t.state, ErrTerminal)
}

func payloadKindOf(p StepPayload) string {
	if p == nil {
		return "nil"
	}
	return string(p.payloadKind())
}
