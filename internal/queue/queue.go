package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/dreamware/sluice/internal/request"
)

// ErrQueueFull is returned when an enqueue would exceed the queue's capacity.
var ErrQueueFull = errors.New("queue is full")

// ErrUnitNotFound is returned by Get for a UUID that is not queued.
var ErrUnitNotFound = errors.New("flow unit not found")

// DefaultChunkSize is how many flow units a listing scan or a drop handles
// between two cancellation checks.
const DefaultChunkSize = 256

// FlowUnit is one item waiting in the queue.
type FlowUnit struct {
	UUID         string
	Filename     string
	Size         int64
	EnqueuedAt   time.Time
	LineageStart time.Time
	Penalized    bool
}

// ListOptions controls a listing scan.
type ListOptions struct {
	SortColumn    request.SortColumn
	SortDirection request.SortDirection
	MaxResults    int    // zero means no cap
	ChunkSize     int    // zero means DefaultChunkSize
	NodeID        string // stamped on every summary
	NodeAddress   string
}

// Queue is a bounded FIFO of flow units.
// All implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue appends units in order. Either all units are accepted or,
	// with ErrQueueFull, none are.
	Enqueue(units ...FlowUnit) error

	// Size returns the number of units and their total bytes.
	Size() request.QueueSize

	// List returns sorted summaries of the queued units. It checks ctx
	// between chunks and returns ctx.Err() once canceled.
	List(ctx context.Context, opts ListOptions) ([]request.FlowUnitSummary, error)

	// Get returns the summary of the unit with id, or ErrUnitNotFound.
	Get(id string, opts ListOptions) (request.FlowUnitSummary, error)

	// Drop removes the units queued when it starts, from the head, chunk by
	// chunk, checking ctx between chunks. Units enqueued meanwhile are kept.
	// Units dropped before a cancellation stay dropped and are included in
	// the returned size alongside ctx.Err().
	Drop(ctx context.Context, chunkSize int) (request.QueueSize, error)

	// Stats returns operation counters.
	Stats() Stats
}

// Stats counts queue operations since creation.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Listings uint64 `json:"listings"`
}

// MemoryQueue implements Queue in memory.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryQueue struct {
	mu       sync.RWMutex // Protects units and bytes
	units    []FlowUnit   // Head first
	bytes    int64        // Sum of unit sizes
	capacity int          // Maximum units, zero means unbounded
	clock    clock.PassiveClock

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	listings atomic.Uint64
}

// NewMemoryQueue creates an empty queue holding at most capacity units
// (zero for no bound). A nil clk uses the wall clock.
func NewMemoryQueue(capacity int, clk clock.PassiveClock) *MemoryQueue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryQueue{capacity: capacity, clock: clk}
}

// Enqueue appends units, filling in a UUID and timestamps when missing.
func (q *MemoryQueue) Enqueue(units ...FlowUnit) error {
	now := q.clock.Now()
	prepared := make([]FlowUnit, 0, len(units))
	var added int64
	for _, u := range units {
		if u.Size < 0 {
			return fmt.Errorf("flow unit %q has negative size %d", u.UUID, u.Size)
		}
		if u.UUID == "" {
			u.UUID = uuid.NewString()
		}
		if u.EnqueuedAt.IsZero() {
			u.EnqueuedAt = now
		}
		if u.LineageStart.IsZero() {
			u.LineageStart = u.EnqueuedAt
		}
		prepared = append(prepared, u)
		added += u.Size
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.units)+len(prepared) > q.capacity {
		return fmt.Errorf("%w: %d queued, capacity %d, %d offered", ErrQueueFull, len(q.units), q.capacity, len(prepared))
	}
	q.units = append(q.units, prepared...)
	q.bytes += added
	q.enqueued.Add(uint64(len(prepared)))
	return nil
}

// Size implements Queue.
func (q *MemoryQueue) Size() request.QueueSize {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return request.QueueSize{Count: int64(len(q.units)), Bytes: q.bytes}
}

// List implements Queue. Positions are 1-based from the head of the queue.
func (q *MemoryQueue) List(ctx context.Context, opts ListOptions) ([]request.FlowUnitSummary, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	col, dir := opts.SortColumn, opts.SortDirection
	if col == "" {
		col = request.DefaultSortColumn
	}
	if dir == "" {
		dir = request.Ascending
	}
	q.listings.Add(1)
	now := q.clock.Now()

	q.mu.RLock()
	summaries := make([]request.FlowUnitSummary, 0, len(q.units))
	for start := 0; start < len(q.units); start += chunk {
		if err := ctx.Err(); err != nil {
			q.mu.RUnlock()
			return nil, err
		}
		end := min(start+chunk, len(q.units))
		for i, u := range q.units[start:end] {
			summaries = append(summaries, summarize(u, start+i, now, opts))
		}
	}
	q.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(summaries, request.CompareSummaries(col, dir))
	if opts.MaxResults > 0 && len(summaries) > opts.MaxResults {
		summaries = summaries[:opts.MaxResults]
	}
	return summaries, nil
}

// Get implements Queue. The position is the unit's current place from the
// head.
func (q *MemoryQueue) Get(id string, opts ListOptions) (request.FlowUnitSummary, error) {
	now := q.clock.Now()
	q.mu.RLock()
	defer q.mu.RUnlock()
	idx := slices.IndexFunc(q.units, func(u FlowUnit) bool { return u.UUID == id })
	if idx < 0 {
		return request.FlowUnitSummary{}, fmt.Errorf("%s: %w", id, ErrUnitNotFound)
	}
	return summarize(q.units[idx], idx, now, opts), nil
}

func summarize(u FlowUnit, idx int, now time.Time, opts ListOptions) request.FlowUnitSummary {
	return request.FlowUnitSummary{
		UUID:            u.UUID,
		Filename:        u.Filename,
		Position:        int64(idx + 1),
		Size:            u.Size,
		QueuedDuration:  now.Sub(u.EnqueuedAt).Milliseconds(),
		LineageDuration: now.Sub(u.LineageStart).Milliseconds(),
		Penalized:       u.Penalized,
		NodeID:          opts.NodeID,
		NodeAddress:     opts.NodeAddress,
	}
}

// Drop implements Queue. The lock is released between chunks so producers
// and listings are not starved by a long drop. Only the units present when
// the drop starts are removed, so a steady producer cannot keep it running.
func (q *MemoryQueue) Drop(ctx context.Context, chunkSize int) (request.QueueSize, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	q.mu.RLock()
	remaining := len(q.units)
	q.mu.RUnlock()

	var dropped request.QueueSize
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		n, bytes := q.dropChunk(min(chunkSize, remaining))
		if n == 0 {
			break
		}
		remaining -= n
		dropped = dropped.Add(request.QueueSize{Count: int64(n), Bytes: bytes})
	}
	return dropped, nil
}

func (q *MemoryQueue) dropChunk(chunkSize int) (int, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(chunkSize, len(q.units))
	var bytes int64
	for _, u := range q.units[:n] {
		bytes += u.Size
	}
	clear(q.units[:n])
	q.units = q.units[n:]
	if len(q.units) == 0 {
		q.units = nil
	}
	q.bytes -= bytes
	q.dropped.Add(uint64(n))
	return n, bytes
}

// Stats implements Queue.
func (q *MemoryQueue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Listings: q.listings.Load(),
	}
}
