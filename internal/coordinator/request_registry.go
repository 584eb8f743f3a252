package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/metrics"
	"github.com/dreamware/sluice/internal/request"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("request registry is closed")

// Dispatcher runs the node steps of a request. Fanout implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *request.Tracker, nodes []cluster.NodeInfo)
	CancelAll(ctx context.Context, requestID string) int
	QueueSize(ctx context.Context, nodes []cluster.NodeInfo) (request.QueueSize, error)
}

// NodeSource lists the nodes a new request is sent to. Membership
// implements it.
type NodeSource interface {
	Nodes() []cluster.NodeInfo
}

// SubmitRequest is a client's request to start a listing or a drop.
type SubmitRequest struct {
	Params request.Params
	// Seed makes the request id deterministic. Submitting the same seed
	// twice returns the first request instead of starting another.
	Seed string
}

const (
	defaultIdleTimeout      = 10 * time.Minute
	defaultSweepInterval    = time.Minute
	defaultQueueSizeTimeout = 5 * time.Second
)

// RequestRegistry owns every live request of the coordinator, keyed by id.
//
// Requests stay in the registry after they finish so clients can poll the
// result. They leave it when a client deletes them, when they have been
// terminal longer than the idle timeout (see Sweep), or on Close.
//
// Thread Safety:
// The table is a sync.Map and each Tracker carries its own lock, so
// operations on different requests never contend. mu only orders the
// insert of a new request against Close: submits share it, Close takes it
// exclusively once to flip closed.
type RequestRegistry struct {
	dispatcher       Dispatcher
	nodes            NodeSource
	identity         request.Identity
	clock            clock.WithTicker
	idleTimeout      time.Duration
	sweepInterval    time.Duration
	queueSizeTimeout time.Duration
	logger           *zap.Logger

	mu       sync.RWMutex
	requests sync.Map // id -> *request.Tracker
	closed   atomic.Bool
}

// RegistryOption configures a RequestRegistry.
type RegistryOption func(*RequestRegistry)

// WithIdleTimeout sets how long a finished request is kept.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *RequestRegistry) { r.idleTimeout = d }
}

// WithSweepInterval sets how often Run sweeps.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *RequestRegistry) { r.sweepInterval = d }
}

// WithQueueSizeTimeout bounds the queue size read done by Submit.
func WithQueueSizeTimeout(d time.Duration) RegistryOption {
	return func(r *RequestRegistry) { r.queueSizeTimeout = d }
}

// WithRegistryClock sets the clock of the registry and its trackers.
func WithRegistryClock(c clock.WithTicker) RegistryOption {
	return func(r *RequestRegistry) { r.clock = c }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *RequestRegistry) { r.logger = l }
}

// NewRequestRegistry creates an empty registry that sends requests through
// dispatcher to the nodes listed by nodes.
func NewRequestRegistry(dispatcher Dispatcher, nodes NodeSource, opts ...RegistryOption) *RequestRegistry {
	r := &RequestRegistry{
		dispatcher:       dispatcher,
		nodes:            nodes,
		clock:            clock.RealClock{},
		idleTimeout:      defaultIdleTimeout,
		sweepInterval:    defaultSweepInterval,
		queueSizeTimeout: defaultQueueSizeTimeout,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit validates sr, creates its tracker with one step per registered
// node and dispatches it. The returned snapshot is taken right after
// dispatch.
//
// When sr.Params.QueueSize is zero the current cluster queue size is read
// first, bounded by the queue size timeout. Nodes that cannot be read in
// time are logged and left out of the sum; the request itself still goes to
// every node.
func (r *RequestRegistry) Submit(ctx context.Context, sr SubmitRequest) (request.Snapshot, error) {
	if r.closed.Load() {
		return request.Snapshot{}, ErrClosed
	}
	params := sr.Params
	if err := params.Validate(); err != nil {
		return request.Snapshot{}, err
	}
	nodes := r.nodes.Nodes()
	if len(nodes) == 0 {
		return request.Snapshot{}, &request.ValidationError{Field: "numSteps", Msg: "no nodes are registered"}
	}

	id := r.identity.Next(sr.Seed)
	if sr.Seed != "" {
		if existing, ok := r.load(id); ok {
			return r.resubmitted(existing, params.Kind)
		}
	}

	if params.QueueSize == (request.QueueSize{}) {
		sctx, cancel := context.WithTimeout(ctx, r.queueSizeTimeout)
		size, err := r.dispatcher.QueueSize(sctx, nodes)
		cancel()
		if err != nil {
			r.logger.Warn("queue size incomplete", zap.String("request", id), zap.Error(err))
		}
		params.QueueSize = size
	}

	t, err := request.NewTracker(id, params, len(nodes), r.clock)
	if err != nil {
		return request.Snapshot{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return request.Snapshot{}, ErrClosed
	}
	if actual, loaded := r.requests.LoadOrStore(id, t); loaded {
		return r.resubmitted(actual.(*request.Tracker), params.Kind)
	}
	metrics.RecordSubmitted(string(params.Kind))
	r.updateGauge()

	r.dispatcher.Dispatch(ctx, t, nodes)
	r.logger.Info("request submitted",
		zap.String("request", id),
		zap.String("kind", string(params.Kind)),
		zap.Int("steps", len(nodes)))
	return t.Snapshot(), nil
}

func (r *RequestRegistry) resubmitted(t *request.Tracker, kind request.Kind) (request.Snapshot, error) {
	if t.Kind() != kind {
		return request.Snapshot{}, &request.ValidationError{
			Field: "seed",
			Msg:   fmt.Sprintf("already used by %s request %s", t.Kind(), t.ID()),
		}
	}
	return t.Snapshot(), nil
}

// Get returns the tracker of id.
func (r *RequestRegistry) Get(id string) (*request.Tracker, error) {
	t, ok := r.load(id)
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, request.ErrNotFound)
	}
	return t, nil
}

// Cancel cancels id. It reports false when the request had already
// finished. The nodes still executing it are told to stop.
func (r *RequestRegistry) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := r.Get(id)
	if err != nil {
		return false, err
	}
	if !t.Cancel() {
		return false, nil
	}
	r.dispatcher.CancelAll(ctx, id)
	r.logger.Info("request canceled", zap.String("request", id))
	return true, nil
}

// Delete cancels id if it is still running and removes it. The returned
// snapshot is the final state; listing results are released with the
// request and are not included.
func (r *RequestRegistry) Delete(ctx context.Context, id string) (request.Snapshot, error) {
	t, err := r.Get(id)
	if err != nil {
		return request.Snapshot{}, err
	}
	if t.Cancel() {
		r.dispatcher.CancelAll(ctx, id)
	}
	snap := t.Snapshot()
	snap.FlowUnitSummaries = nil
	if r.requests.CompareAndDelete(id, t) {
		r.updateGauge()
		r.logger.Info("request deleted", zap.String("request", id), zap.String("state", string(snap.State)))
	}
	return snap, nil
}

// Sweep removes requests that have been terminal for at least the idle
// timeout and returns how many it removed.
func (r *RequestRegistry) Sweep() int {
	now := r.clock.Now()
	removed := 0
	r.requests.Range(func(key, value any) bool {
		t := value.(*request.Tracker)
		since, ok := t.TerminalSince()
		if ok && now.Sub(since) >= r.idleTimeout && r.requests.CompareAndDelete(key, t) {
			removed++
		}
		return true
	})
	if removed > 0 {
		r.updateGauge()
		r.logger.Info("swept idle requests", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps every sweep interval until ctx is done.
func (r *RequestRegistry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels every live request and empties the registry. Submits that
// have not stored their request yet fail with ErrClosed.
func (r *RequestRegistry) Close() {
	r.mu.Lock()
	r.closed.Store(true)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), defaultCancelTimeout)
	defer cancel()
	r.requests.Range(func(key, value any) bool {
		t := value.(*request.Tracker)
		if t.Cancel() {
			r.dispatcher.CancelAll(ctx, t.ID())
		}
		r.requests.Delete(key)
		return true
	})
	r.updateGauge()
}

// Len returns the number of requests held.
func (r *RequestRegistry) Len() int {
	n := 0
	r.requests.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *RequestRegistry) load(id string) (*request.Tracker, bool) {
	v, ok := r.requests.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*request.Tracker), true
}

func (r *RequestRegistry) updateGauge() {
	metrics.SetLiveRequests(r.Len())
}
