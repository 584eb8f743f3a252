package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/metrics"
	"github.com/dreamware/sluice/internal/request"
)

// NodeClient is the node-facing transport used by Fanout. cluster.Client
// implements it over HTTP.
type NodeClient interface {
	ExecuteListing(ctx context.Context, node cluster.NodeInfo, req cluster.ListingRequest) (cluster.ListingResponse, error)
	ExecuteDrop(ctx context.Context, node cluster.NodeInfo, req cluster.DropRequest) (cluster.DropResponse, error)
	Cancel(ctx context.Context, node cluster.NodeInfo, requestID string) (bool, error)
	QueueSize(ctx context.Context, node cluster.NodeInfo) (request.QueueSize, error)
}

const (
	defaultNodeTimeout   = 30 * time.Second
	defaultCancelTimeout = 2 * time.Second
)

// Fanout dispatches the steps of a request to every node in parallel and
// routes each outcome to the request's Tracker.
//
// Failure policy is fail-fast: the first failed step fails the request, the
// remaining in-flight calls are abandoned and the nodes still executing are
// told to cancel. A step that exceeds the node timeout fails with a
// *request.NodeUnavailableError.
//
// Thread Safety:
// All methods are safe for concurrent use. No tracker lock is held while a
// node call is in flight; the tracker is only touched to record outcomes.
type Fanout struct {
	client        NodeClient
	nodeTimeout   time.Duration
	cancelTimeout time.Duration
	clock         clock.PassiveClock
	logger        *zap.Logger

	mu       sync.Mutex
	inflight map[string]*dispatch
	wg       sync.WaitGroup
}

// dispatch is the coordinator-side state of one running request.
type dispatch struct {
	cancel  context.CancelFunc
	pending map[string]cluster.NodeInfo // guarded by Fanout.mu
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithNodeTimeout bounds each node step.
func WithNodeTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) { f.nodeTimeout = d }
}

// WithCancelTimeout bounds each best-effort cancel notification.
func WithCancelTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) { f.cancelTimeout = d }
}

// WithFanoutClock sets the clock used to time steps.
func WithFanoutClock(c clock.PassiveClock) FanoutOption {
	return func(f *Fanout) { f.clock = c }
}

// WithFanoutLogger sets the logger.
func WithFanoutLogger(l *zap.Logger) FanoutOption {
	return func(f *Fanout) { f.logger = l }
}

// NewFanout creates a Fanout sending steps through client.
func NewFanout(client NodeClient, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		client:        client,
		nodeTimeout:   defaultNodeTimeout,
		cancelTimeout: defaultCancelTimeout,
		clock:         clock.RealClock{},
		logger:        zap.NewNop(),
		inflight:      make(map[string]*dispatch),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dispatch starts t and sends one step to each of nodes. It returns without
// waiting for the steps; outcomes are recorded on t as they arrive.
//
// The steps outlive ctx: a submit handler returns long before the nodes
// finish, so only ctx's values are carried over. A tracker that already
// left PENDING (for example one canceled before dispatch) is not sent.
func (f *Fanout) Dispatch(ctx context.Context, t *request.Tracker, nodes []cluster.NodeInfo) {
	if !t.Start() {
		return
	}
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &dispatch{cancel: cancel, pending: make(map[string]cluster.NodeInfo, len(nodes))}
	for _, n := range nodes {
		d.pending[n.ID] = n
	}

	f.mu.Lock()
	f.inflight[t.ID()] = d
	f.mu.Unlock()

	f.logger.Info("dispatching request",
		zap.String("request", t.ID()),
		zap.String("kind", string(t.Kind())),
		zap.Int("nodes", len(nodes)))

	for _, n := range nodes {
		f.wg.Add(1)
		go f.runStep(reqCtx, t, d, n)
	}
	f.wg.Add(1)
	go f.watch(t)
}

// watch waits for t to finish. A request that did not complete has its
// remaining steps canceled.
func (f *Fanout) watch(t *request.Tracker) {
	defer f.wg.Done()
	<-t.Done()

	state := t.State()
	metrics.RecordFinished(string(t.Kind()), string(state))
	if state == request.StateComplete {
		f.release(t.ID())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cancelTimeout)
	defer cancel()
	if n := f.CancelAll(ctx, t.ID()); n > 0 {
		f.logger.Info("canceled remaining steps",
			zap.String("request", t.ID()),
			zap.String("state", string(state)),
			zap.Int("nodes", n))
	}
}

func (f *Fanout) runStep(ctx context.Context, t *request.Tracker, d *dispatch, node cluster.NodeInfo) {
	defer f.wg.Done()
	stepCtx, cancel := context.WithTimeout(ctx, f.nodeTimeout)
	defer cancel()

	kind := string(t.Kind())
	start := f.clock.Now()
	payload, err := f.execute(stepCtx, t, node)
	elapsed := f.clock.Since(start)

	f.mu.Lock()
	delete(d.pending, node.ID)
	f.mu.Unlock()

	log := f.logger.With(zap.String("request", t.ID()), zap.String("node", node.ID))
	if err != nil {
		var nerr *request.NodeUnavailableError
		if !errors.As(err, &nerr) {
			err = &request.NodeUnavailableError{NodeID: node.ID, Err: err}
		}
		if rerr := t.RecordStepFailure(node.ID, err); rerr != nil {
			metrics.RecordStep(kind, metrics.OutcomeAbandoned, elapsed)
			log.Debug("step abandoned", zap.Error(err))
			return
		}
		outcome := metrics.OutcomeFailure
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeUnavailable
		}
		metrics.RecordStep(kind, outcome, elapsed)
		log.Warn("step failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}

	if rerr := t.RecordStepResult(node.ID, payload); rerr != nil {
		if errors.Is(rerr, request.ErrTerminal) {
			metrics.RecordStep(kind, metrics.OutcomeAbandoned, elapsed)
			log.Debug("late step result discarded")
			return
		}
		metrics.RecordStep(kind, metrics.OutcomeFailure, elapsed)
		log.Error("step result rejected", zap.Error(rerr))
		return
	}
	metrics.RecordStep(kind, metrics.OutcomeSuccess, elapsed)
	log.Debug("step finished", zap.Duration("elapsed", elapsed))
}

func (f *Fanout) execute(ctx context.Context, t *request.Tracker, node cluster.NodeInfo) (request.StepPayload, error) {
	p := t.Params()
	switch p.Kind {
	case request.KindListing:
		resp, err := f.client.ExecuteListing(ctx, node, cluster.ListingRequest{
			RequestID:     t.ID(),
			SortColumn:    p.SortColumn,
			SortDirection: p.SortDirection,
			MaxResults:    p.MaxResults,
			TimeoutMillis: f.stepBudget(),
		})
		if err != nil {
			return nil, err
		}
		return request.ListingPage{Summaries: resp.Summaries}, nil
	case request.KindDrop:
		resp, err := f.client.ExecuteDrop(ctx, node, cluster.DropRequest{RequestID: t.ID(), TimeoutMillis: f.stepBudget()})
		if err != nil {
			if resp.DroppedCount > 0 {
				err = fmt.Errorf("%d units (%d bytes) dropped before failure: %w", resp.DroppedCount, resp.DroppedSize, err)
			}
			return nil, err
		}
		return request.DropTally{Dropped: request.QueueSize{Count: resp.DroppedCount, Bytes: resp.DroppedSize}}, nil
	default:
		return nil, &request.InternalFailure{Err: errors.New("unsupported request kind " + string(p.Kind))}
	}
}

// stepBudget is the time a node may spend on a step. It is shorter than
// nodeTimeout so the node stops and reports before the fanout gives up.
func (f *Fanout) stepBudget() int64 {
	return max((f.nodeTimeout*9/10).Milliseconds(), 1)
}

// CancelAll abandons the in-flight steps of requestID and asks every node
// still executing it to stop. It returns the number of nodes notified and
// is a no-op once the request has left the fanout.
func (f *Fanout) CancelAll(ctx context.Context, requestID string) int {
	f.mu.Lock()
	d, ok := f.inflight[requestID]
	var targets []cluster.NodeInfo
	if ok {
		delete(f.inflight, requestID)
		for _, n := range d.pending {
			targets = append(targets, n)
		}
	}
	f.mu.Unlock()
	if !ok {
		return 0
	}
	d.cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, n := range targets {
		wg.Add(1)
		go func(n cluster.NodeInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, f.cancelTimeout)
			defer cancel()
			if _, err := f.client.Cancel(cctx, n, requestID); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	if errs != nil {
		f.logger.Warn("cancel notification failed", zap.String("request", requestID), zap.Error(errs))
	}
	return len(targets)
}

// QueueSize sums the queue sizes of nodes. Nodes that cannot be read are
// reported in the returned error; the sum covers the rest.
func (f *Fanout) QueueSize(ctx context.Context, nodes []cluster.NodeInfo) (request.QueueSize, error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total request.QueueSize
		errs  error
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(n cluster.NodeInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, f.nodeTimeout)
			defer cancel()
			size, err := f.client.QueueSize(cctx, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return
			}
			total = total.Add(size)
		}(n)
	}
	wg.Wait()
	return total, errs
}

// Inflight returns the number of requests with steps still dispatched.
func (f *Fanout) Inflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

// Wait blocks until every step and watcher goroutine has returned.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

func (f *Fanout) release(requestID string) {
	f.mu.Lock()
	d, ok := f.inflight[requestID]
	delete(f.inflight, requestID)
	f.mu.Unlock()
	if ok {
		d.cancel()
	}
}
