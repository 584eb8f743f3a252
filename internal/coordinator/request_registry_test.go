package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/request"
)

type staticNodes []cluster.NodeInfo

func (s staticNodes) Nodes() []cluster.NodeInfo { return s }

type registryHarness struct {
	clock    *testclock.FakeClock
	client   *fakeClient
	fanout   *Fanout
	registry *RequestRegistry
}

func newRegistryHarness(t *testing.T, nodes map[string]*fakeNode) *registryHarness {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	client := newFakeClient(nodes)
	fanout := NewFanout(client, WithFanoutClock(clk))
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	reg := NewRequestRegistry(fanout, staticNodes(nodesOf(ids...)),
		WithRegistryClock(clk),
		WithIdleTimeout(time.Minute),
		WithSweepInterval(10*time.Second))
	t.Cleanup(func() {
		reg.Close()
		fanout.Wait()
	})
	return &registryHarness{clock: clk, client: client, fanout: fanout, registry: reg}
}

func (h *registryHarness) wait(t *testing.T, id string) *request.Tracker {
	t.Helper()
	tr, err := h.registry.Get(id)
	require.NoError(t, err)
	waitDone(t, tr)
	return tr
}

func TestRegistrySubmitDrop(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{
		"n1": {size: request.QueueSize{Count: 3, Bytes: 30}, dropped: request.QueueSize{Count: 3, Bytes: 30}},
		"n2": {size: request.QueueSize{Count: 1, Bytes: 5}, dropped: request.QueueSize{Count: 1, Bytes: 5}},
	})

	snap, err := h.registry.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, 2, snap.NumSteps)
	assert.Equal(t, request.QueueSize{Count: 4, Bytes: 35}, snap.QueueSize, "queue size read before dispatch")
	assert.NotEqual(t, request.StatePending, snap.State)

	tr := h.wait(t, snap.ID)
	final := tr.Snapshot()
	assert.Equal(t, request.StateComplete, final.State)
	assert.Equal(t, int64(4), *final.DroppedCount)
	assert.Equal(t, request.QueueSize{}, *final.CurrentSize)
	assert.Equal(t, 1, h.registry.Len())
}

func TestRegistrySubmitValidation(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{"n1": {}})

	tests := []struct {
		name   string
		params request.Params
		field  string
	}{
		{name: "unknown kind", params: request.Params{Kind: "PURGE"}, field: "kind"},
		{name: "listing without column", params: request.Params{Kind: request.KindListing, SortDirection: request.Ascending}, field: "sortColumn"},
		{name: "negative queue size", params: request.Params{Kind: request.KindDrop, QueueSize: request.QueueSize{Count: -1}}, field: "queueSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.registry.Submit(context.Background(), SubmitRequest{Params: tt.params})
			var verr *request.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, 0, h.registry.Len(), "rejected requests are never registered")
}

func TestRegistrySubmitWithoutNodes(t *testing.T) {
	reg := NewRequestRegistry(NewFanout(newFakeClient(nil)), staticNodes(nil))
	_, err := reg.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
	var verr *request.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "numSteps", verr.Field)
}

func TestRegistrySeededSubmitIsIdempotent(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{"n1": {summaries: []request.FlowUnitSummary{{UUID: "a"}}}})

	sr := SubmitRequest{Params: listingBySize, Seed: "nightly-audit"}
	first, err := h.registry.Submit(context.Background(), sr)
	require.NoError(t, err)
	h.wait(t, first.ID)

	second, err := h.registry.Submit(context.Background(), sr)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, request.StateComplete, second.State)
	assert.Equal(t, 1, h.registry.Len())

	_, err = h.registry.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}, Seed: "nightly-audit"})
	var verr *request.ValidationError
	require.True(t, errors.As(err, &verr), "a seed cannot name two kinds")
}

func TestRegistryGetUnknown(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{"n1": {}})
	_, err := h.registry.Get("nope")
	assert.ErrorIs(t, err, request.ErrNotFound)
	_, err = h.registry.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, request.ErrNotFound)
	_, err = h.registry.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, request.ErrNotFound)
}

func TestRegistryCancel(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{
		"n1": {block: make(chan struct{})},
		"n2": {block: make(chan struct{})},
	})

	snap, err := h.registry.Submit(context.Background(), SubmitRequest{Params: listingBySize})
	require.NoError(t, err)
	<-h.client.started
	<-h.client.started

	canceled, err := h.registry.Cancel(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.True(t, canceled)
	h.fanout.Wait()
	assert.ElementsMatch(t, []string{"n1/" + snap.ID, "n2/" + snap.ID}, h.client.cancellations())

	canceled, err = h.registry.Cancel(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.False(t, canceled, "already terminal")

	tr, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StateCanceled, tr.State())
}

func TestRegistryDelete(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{
		"n1": {summaries: []request.FlowUnitSummary{{UUID: "a", Size: 1}}},
	})

	snap, err := h.registry.Submit(context.Background(), SubmitRequest{Params: listingBySize})
	require.NoError(t, err)
	h.wait(t, snap.ID)

	deleted, err := h.registry.Delete(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StateComplete, deleted.State)
	assert.Nil(t, deleted.FlowUnitSummaries, "results are released on delete")

	_, err = h.registry.Get(snap.ID)
	assert.ErrorIs(t, err, request.ErrNotFound)
	assert.Equal(t, 0, h.registry.Len())
}

func TestRegistryDeleteRunningCancelsIt(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{"n1": {block: make(chan struct{})}})

	snap, err := h.registry.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
	require.NoError(t, err)
	<-h.client.started

	deleted, err := h.registry.Delete(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StateCanceled, deleted.State)
	h.fanout.Wait()
	assert.Equal(t, []string{"n1/" + snap.ID}, h.client.cancellations())
}

func TestRegistrySweep(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{
		"n1": {summaries: []request.FlowUnitSummary{{UUID: "a"}}},
		"slow": {block: make(chan struct{})},
	})
	// Only n1 answers; the request on both nodes stays RUNNING.
	running, err := h.registry.Submit(context.Background(), SubmitRequest{Params: listingBySize})
	require.NoError(t, err)

	done, err := request.NewTracker("finished", listingBySize, 1, h.clock)
	require.NoError(t, err)
	require.True(t, done.Cancel())
	h.registry.requests.Store(done.ID(), done)

	h.clock.Step(59 * time.Second)
	assert.Equal(t, 0, h.registry.Sweep(), "not idle long enough")

	h.clock.Step(time.Second)
	assert.Equal(t, 1, h.registry.Sweep())
	_, err = h.registry.Get("finished")
	assert.ErrorIs(t, err, request.ErrNotFound)
	_, err = h.registry.Get(running.ID)
	assert.NoError(t, err, "running requests are never swept")
}

func TestRegistryRunSweepsOnTicker(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{"n1": {}})
	done, err := request.NewTracker("finished", request.Params{Kind: request.KindDrop}, 1, h.clock)
	require.NoError(t, err)
	require.True(t, done.Cancel())
	h.registry.requests.Store(done.ID(), done)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.registry.Run(ctx)
	}()

	require.Eventually(t, h.clock.HasWaiters, time.Second, 5*time.Millisecond)
	h.clock.Step(2 * time.Minute)
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
}

func TestRegistryClose(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{"n1": {block: make(chan struct{})}})
	snap, err := h.registry.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
	require.NoError(t, err)
	<-h.client.started
	tr, err := h.registry.Get(snap.ID)
	require.NoError(t, err)

	h.registry.Close()
	h.fanout.Wait()

	assert.Equal(t, request.StateCanceled, tr.State())
	assert.Equal(t, 0, h.registry.Len())
	_, err = h.registry.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
	assert.ErrorIs(t, err, ErrClosed)
}

// sizeHook is a Dispatcher whose queue size read runs hook instead of
// asking the nodes.
type sizeHook struct {
	*Fanout
	hook func(ctx context.Context)
}

func (d sizeHook) QueueSize(ctx context.Context, _ []cluster.NodeInfo) (request.QueueSize, error) {
	d.hook(ctx)
	return request.QueueSize{}, ctx.Err()
}

func TestRegistrySubmitBoundsQueueSizeRead(t *testing.T) {
	client := newFakeClient(map[string]*fakeNode{"n1": {dropped: request.QueueSize{Count: 2, Bytes: 20}}})
	fanout := NewFanout(client)
	reg := NewRequestRegistry(sizeHook{Fanout: fanout, hook: func(ctx context.Context) { <-ctx.Done() }},
		staticNodes(nodesOf("n1")),
		WithQueueSizeTimeout(50*time.Millisecond))
	t.Cleanup(func() {
		reg.Close()
		fanout.Wait()
	})

	type result struct {
		snap request.Snapshot
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		snap, err := reg.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
		resc <- result{snap, err}
	}()

	var res result
	select {
	case res = <-resc:
	case <-time.After(2 * time.Second):
		t.Fatal("submit waited on a stalled queue size read")
	}
	require.NoError(t, res.err)
	assert.Equal(t, request.QueueSize{}, res.snap.QueueSize, "unread nodes are left out of the sum")

	tr, err := reg.Get(res.snap.ID)
	require.NoError(t, err)
	waitDone(t, tr)
	assert.Equal(t, request.StateComplete, tr.State(), "the request still reaches every node")
}

func TestRegistryCloseDuringSubmit(t *testing.T) {
	client := newFakeClient(map[string]*fakeNode{"n1": {}})
	fanout := NewFanout(client)
	var reg *RequestRegistry
	reg = NewRequestRegistry(sizeHook{Fanout: fanout, hook: func(context.Context) { reg.Close() }},
		staticNodes(nodesOf("n1")))

	_, err := reg.Submit(context.Background(), SubmitRequest{Params: request.Params{Kind: request.KindDrop}})
	fanout.Wait()

	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, client.started, "nothing was dispatched")
	assert.Equal(t, 0, fanout.Inflight())
}

// TestRegistryConcurrentSubmitters hammers submit, poll and delete from
// many goroutines.
func TestRegistryConcurrentSubmitters(t *testing.T) {
	h := newRegistryHarness(t, map[string]*fakeNode{
		"n1": {dropped: request.QueueSize{Count: 1, Bytes: 1}},
		"n2": {dropped: request.QueueSize{Count: 1, Bytes: 1}},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := h.registry.Submit(context.Background(), SubmitRequest{
				Params: request.Params{Kind: request.KindDrop, QueueSize: request.QueueSize{Count: 2, Bytes: 2}},
				Seed:   fmt.Sprintf("seed-%d", i%4),
			})
			if !assert.NoError(t, err) {
				return
			}
			tr, err := h.registry.Get(snap.ID)
			if err != nil {
				return // deleted by a sibling sharing the seed
			}
			<-tr.Done()
			if i%2 == 0 {
				_, _ = h.registry.Delete(context.Background(), snap.ID)
			}
		}(i)
	}
	wg.Wait()
	h.fanout.Wait()
	assert.LessOrEqual(t, h.registry.Len(), 4)
}
