// Package node executes the node-side steps of cluster-wide queue requests.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/queue"
	"github.com/dreamware/sluice/internal/request"
)

// ErrAlreadyRunning is returned when a request id is already executing on
// this node.
var ErrAlreadyRunning = errors.New("request already running on this node")

// Executor runs listing and drop steps against the node's queue.
//
// Each running step owns a cancellation token: a context.CancelFunc keyed
// by request id. Cancel fires it and the queue observes it at its next
// chunk boundary, so cancellation latency is bounded by one chunk of work
// regardless of queue length.
type Executor struct {
	info      cluster.NodeInfo
	queue     queue.Queue
	chunkSize int
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates an executor for q. chunkSize bounds the work done
// between cancellation checks; zero uses queue.DefaultChunkSize.
func NewExecutor(info cluster.NodeInfo, q queue.Queue, chunkSize int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = queue.DefaultChunkSize
	}
	return &Executor{
		info:      info,
		queue:     q,
		chunkSize: chunkSize,
		logger:    logger.With(zap.String("node", info.ID)),
		running:   make(map[string]context.CancelFunc),
	}
}

// ExecuteListing lists the queue for req.
func (e *Executor) ExecuteListing(ctx context.Context, req cluster.ListingRequest) (cluster.ListingResponse, error) {
	if !req.SortColumn.Valid() {
		return cluster.ListingResponse{}, &request.ValidationError{Field: "sortColumn", Msg: fmt.Sprintf("unknown sort column %q", req.SortColumn)}
	}
	if !req.SortDirection.Valid() {
		return cluster.ListingResponse{}, &request.ValidationError{Field: "sortDirection", Msg: fmt.Sprintf("unknown sort direction %q", req.SortDirection)}
	}
	ctx, done, err := e.begin(ctx, req.RequestID, req.TimeoutMillis)
	if err != nil {
		return cluster.ListingResponse{}, err
	}
	defer done()

	summaries, err := e.queue.List(ctx, queue.ListOptions{
		SortColumn:    req.SortColumn,
		SortDirection: req.SortDirection,
		MaxResults:    req.MaxResults,
		ChunkSize:     e.chunkSize,
		NodeID:        e.info.ID,
		NodeAddress:   e.info.Addr,
	})
	if err != nil {
		e.logger.Info("listing stopped", zap.String("request", req.RequestID), zap.Error(err))
		return cluster.ListingResponse{}, err
	}
	e.logger.Debug("listing finished", zap.String("request", req.RequestID), zap.Int("summaries", len(summaries)))
	return cluster.ListingResponse{NodeID: e.info.ID, Summaries: summaries}, nil
}

// ExecuteDrop drops the whole queue for req. When canceled part way, the
// units already dropped stay dropped and are reported in the response
// returned alongside the error.
func (e *Executor) ExecuteDrop(ctx context.Context, req cluster.DropRequest) (cluster.DropResponse, error) {
	ctx, done, err := e.begin(ctx, req.RequestID, req.TimeoutMillis)
	if err != nil {
		return cluster.DropResponse{}, err
	}
	defer done()

	dropped, err := e.queue.Drop(ctx, e.chunkSize)
	if err != nil {
		e.logger.Info("drop stopped",
			zap.String("request", req.RequestID),
			zap.Int64("dropped_count", dropped.Count),
			zap.Int64("dropped_bytes", dropped.Bytes),
			zap.Error(err))
		return cluster.DropResponse{NodeID: e.info.ID, DroppedCount: dropped.Count, DroppedSize: dropped.Bytes},
			fmt.Errorf("drop stopped after %d units (%d bytes): %w", dropped.Count, dropped.Bytes, err)
	}
	e.logger.Info("drop finished",
		zap.String("request", req.RequestID),
		zap.Int64("dropped_count", dropped.Count),
		zap.Int64("dropped_bytes", dropped.Bytes))
	return cluster.DropResponse{NodeID: e.info.ID, DroppedCount: dropped.Count, DroppedSize: dropped.Bytes}, nil
}

// FlowUnit returns the summary of one queued unit, stamped with this node.
func (e *Executor) FlowUnit(id string) (request.FlowUnitSummary, error) {
	return e.queue.Get(id, queue.ListOptions{NodeID: e.info.ID, NodeAddress: e.info.Addr})
}

// Cancel fires the cancellation token of requestID. It reports whether the
// request was running here.
func (e *Executor) Cancel(requestID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[requestID]
	e.mu.Unlock()
	if ok {
		cancel()
		e.logger.Info("request canceled", zap.String("request", requestID))
	}
	return ok
}

// Running returns the ids currently executing, sorted.
func (e *Executor) Running() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Queue returns the queue the executor works on.
func (e *Executor) Queue() queue.Queue { return e.queue }

// begin registers requestID as running. A positive timeoutMillis bounds the
// step so it stops before the coordinator stops waiting for it.
func (e *Executor) begin(ctx context.Context, requestID string, timeoutMillis int64) (context.Context, func(), error) {
	if requestID == "" {
		return nil, nil, &request.ValidationError{Field: "requestId", Msg: "cannot be empty"}
	}
	if timeoutMillis < 0 {
		return nil, nil, &request.ValidationError{Field: "timeoutMillis", Msg: "cannot be negative"}
	}
	var cancel context.CancelFunc
	if timeoutMillis > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[requestID]; exists {
		cancel()
		return nil, nil, fmt.Errorf("%s: %w", requestID, ErrAlreadyRunning)
	}
	e.running[requestID] = cancel
	return ctx, func() {
		e.mu.Lock()
		delete(e.running, requestID)
		e.mu.Unlock()
		cancel()
	}, nil
}
