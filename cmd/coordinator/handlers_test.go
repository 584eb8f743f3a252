package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/config"
	"github.com/dreamware/sluice/internal/node"
	"github.com/dreamware/sluice/internal/queue"
	"github.com/dreamware/sluice/internal/request"
)

// testCluster is a coordinator in front of real node servers, all served
// by httptest.
type testCluster struct {
	app    *coordinatorApp
	coord  *httptest.Server
	queues map[string]*queue.MemoryQueue
}

func newTestCluster(t *testing.T, units map[string][]queue.FlowUnit) *testCluster {
	t.Helper()
	cfg := config.Default()
	cfg.Coordinator.NodeTimeout = 5 * time.Second
	app := newApp(cfg, zaptest.NewLogger(t))
	coord := httptest.NewServer(app.server.routes())
	t.Cleanup(func() {
		coord.Close()
		app.shutdown()
	})

	tc := &testCluster{app: app, coord: coord, queues: map[string]*queue.MemoryQueue{}}
	for id, us := range units {
		q := queue.NewMemoryQueue(0, nil)
		require.NoError(t, q.Enqueue(us...))
		ns := httptest.NewUnstartedServer(nil)
		info := cluster.NodeInfo{ID: id, Addr: "http://" + ns.Listener.Addr().String()}
		ns.Config.Handler = node.NewServer(info, node.NewExecutor(info, q, 2, nil), nil).Handler()
		ns.Start()
		t.Cleanup(ns.Close)
		tc.queues[id] = q

		resp := tc.do(t, http.MethodPost, "/register", cluster.RegisterRequest{Node: info})
		require.Equal(t, http.StatusNoContent, resp.Code)
	}
	return tc
}

type response struct {
	Code     int
	Body     []byte
	Location string
}

func (tc *testCluster) do(t *testing.T, method, path string, body any) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, tc.coord.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return response{Code: resp.StatusCode, Body: out.Bytes(), Location: resp.Header.Get("Location")}
}

func (tc *testCluster) poll(t *testing.T, location string) request.Snapshot {
	t.Helper()
	var snap request.Snapshot
	require.Eventually(t, func() bool {
		resp := tc.do(t, http.MethodGet, location, nil)
		require.Equal(t, http.StatusOK, resp.Code, string(resp.Body))
		require.NoError(t, json.Unmarshal(resp.Body, &snap))
		return snap.State.IsTerminal()
	}, 3*time.Second, 10*time.Millisecond)
	return snap
}

func units(prefix string, sizes ...int64) []queue.FlowUnit {
	out := make([]queue.FlowUnit, 0, len(sizes))
	for i, s := range sizes {
		out = append(out, queue.FlowUnit{UUID: fmt.Sprintf("%s-%d", prefix, i), Filename: prefix + ".dat", Size: s})
	}
	return out
}

func TestListingRequestLifecycle(t *testing.T) {
	tc := newTestCluster(t, map[string][]queue.FlowUnit{
		"node-a": units("a", 5, 50, 500),
		"node-b": units("b", 10, 100),
	})

	resp := tc.do(t, http.MethodPost, listingBase, submitBody{SortColumn: "size", SortDirection: "desc", MaxResults: 3})
	require.Equal(t, http.StatusAccepted, resp.Code, string(resp.Body))
	var submitted request.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body, &submitted))
	assert.Equal(t, listingBase+"/"+submitted.ID, resp.Location)
	assert.Equal(t, request.KindListing, submitted.Kind)
	assert.Equal(t, 2, submitted.NumSteps)
	assert.Equal(t, request.QueueSize{Count: 5, Bytes: 665}, submitted.QueueSize)

	snap := tc.poll(t, resp.Location)
	assert.Equal(t, request.StateComplete, snap.State)
	assert.Equal(t, 100, snap.PercentCompleted)
	require.Len(t, snap.FlowUnitSummaries, 3)
	var sizes []int64
	for _, s := range snap.FlowUnitSummaries {
		sizes = append(sizes, s.Size)
	}
	assert.Equal(t, []int64{500, 100, 50}, sizes)
	assert.Equal(t, "node-a", snap.FlowUnitSummaries[0].NodeID)
	assert.Equal(t, "/queue/flowfiles/a-2?clusterNodeId=node-a", snap.FlowUnitSummaries[0].URI)

	unit := tc.do(t, http.MethodGet, snap.FlowUnitSummaries[0].URI, nil)
	require.Equal(t, http.StatusOK, unit.Code, string(unit.Body))
	var got request.FlowUnitSummary
	require.NoError(t, json.Unmarshal(unit.Body, &got))
	assert.Equal(t, "a-2", got.UUID)
	assert.Equal(t, int64(500), got.Size)

	// A listing is not a drop.
	wrong := tc.do(t, http.MethodGet, dropBase+"/"+snap.ID, nil)
	assert.Equal(t, http.StatusNotFound, wrong.Code)

	del := tc.do(t, http.MethodDelete, resp.Location, nil)
	require.Equal(t, http.StatusOK, del.Code)
	var deleted request.Snapshot
	require.NoError(t, json.Unmarshal(del.Body, &deleted))
	assert.Equal(t, request.StateComplete, deleted.State)
	assert.Empty(t, deleted.FlowUnitSummaries)

	gone := tc.do(t, http.MethodGet, resp.Location, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestFlowUnitLookup(t *testing.T) {
	tc := newTestCluster(t, map[string][]queue.FlowUnit{
		"node-a": units("a", 5, 50),
		"node-b": units("b", 10),
	})
	resp := tc.do(t, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "node-dead", Addr: "http://127.0.0.1:1"}})
	require.Equal(t, http.StatusNoContent, resp.Code)

	tests := []struct {
		name     string
		path     string
		wantCode int
		want     request.FlowUnitSummary
	}{
		{
			name:     "found",
			path:     "/queue/flowfiles/a-1?clusterNodeId=node-a",
			wantCode: http.StatusOK,
			want: request.FlowUnitSummary{
				UUID: "a-1", Filename: "a.dat", Position: 2, Size: 50,
				NodeID: "node-a", URI: "/queue/flowfiles/a-1?clusterNodeId=node-a",
			},
		},
		{name: "wrong node", path: "/queue/flowfiles/a-1?clusterNodeId=node-b", wantCode: http.StatusNotFound},
		{name: "unknown node", path: "/queue/flowfiles/a-1?clusterNodeId=node-z", wantCode: http.StatusNotFound},
		{name: "node missing", path: "/queue/flowfiles/a-1", wantCode: http.StatusBadRequest},
		{name: "node unreachable", path: "/queue/flowfiles/a-1?clusterNodeId=node-dead", wantCode: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tc.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.wantCode, resp.Code, string(resp.Body))
			if tt.wantCode != http.StatusOK {
				return
			}
			var got request.FlowUnitSummary
			require.NoError(t, json.Unmarshal(resp.Body, &got))
			assert.NotEmpty(t, got.NodeAddress)
			got.NodeAddress = ""
			got.QueuedDuration, got.LineageDuration = 0, 0
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithURIsLeavesTrackerResultAlone(t *testing.T) {
	summaries := []request.FlowUnitSummary{{UUID: "x/y", NodeID: "n 1"}}
	snap := withURIs(request.Snapshot{FlowUnitSummaries: summaries})

	assert.Equal(t, "/queue/flowfiles/x%2Fy?clusterNodeId=n+1", snap.FlowUnitSummaries[0].URI)
	assert.Empty(t, summaries[0].URI)
	assert.Empty(t, withURIs(request.Snapshot{}).FlowUnitSummaries)
}

func TestDropRequestLifecycle(t *testing.T) {
	tc := newTestCluster(t, map[string][]queue.FlowUnit{
		"node-a": units("a", 1, 2, 3),
		"node-b": units("b", 4),
	})

	resp := tc.do(t, http.MethodPost, dropBase, nil)
	require.Equal(t, http.StatusAccepted, resp.Code, string(resp.Body))

	snap := tc.poll(t, resp.Location)
	assert.Equal(t, request.StateComplete, snap.State)
	require.NotNil(t, snap.DroppedCount)
	assert.Equal(t, int64(4), *snap.DroppedCount)
	assert.Equal(t, int64(10), *snap.DroppedSize)
	assert.Equal(t, request.QueueSize{}, *snap.CurrentSize)
	for id, q := range tc.queues {
		assert.Equal(t, request.QueueSize{}, q.Size(), id)
	}

	cancel := tc.do(t, http.MethodPost, resp.Location+"/cancel", nil)
	require.Equal(t, http.StatusOK, cancel.Code)
	var res cancelResult
	require.NoError(t, json.Unmarshal(cancel.Body, &res))
	assert.False(t, res.Canceled, "a complete request cannot be canceled")
	assert.Equal(t, request.StateComplete, res.Request.State)
}

func TestSeededSubmitReturnsSameRequest(t *testing.T) {
	tc := newTestCluster(t, map[string][]queue.FlowUnit{"node-a": units("a", 1)})

	first := tc.do(t, http.MethodPost, listingBase, submitBody{Seed: "report-42"})
	second := tc.do(t, http.MethodPost, listingBase, submitBody{Seed: "report-42"})
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Location, second.Location)
}

func TestSubmitErrors(t *testing.T) {
	tc := newTestCluster(t, map[string][]queue.FlowUnit{"node-a": units("a", 1)})

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "unknown column", path: listingBase, body: submitBody{SortColumn: "color"}, want: http.StatusBadRequest},
		{name: "unknown direction", path: listingBase, body: submitBody{SortDirection: "sideways"}, want: http.StatusBadRequest},
		{name: "negative max results", path: listingBase, body: submitBody{MaxResults: -1}, want: http.StatusBadRequest},
		{name: "bad json", path: listingBase, body: "{", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tc.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.Code, string(resp.Body))
			var er cluster.ErrorResponse
			require.NoError(t, json.Unmarshal(resp.Body, &er))
			assert.NotEmpty(t, er.Error)
		})
	}

	for _, path := range []string{listingBase + "/nope", dropBase + "/nope"} {
		assert.Equal(t, http.StatusNotFound, tc.do(t, http.MethodGet, path, nil).Code)
		assert.Equal(t, http.StatusNotFound, tc.do(t, http.MethodPost, path+"/cancel", nil).Code)
		assert.Equal(t, http.StatusNotFound, tc.do(t, http.MethodDelete, path, nil).Code)
	}
}

func TestSubmitWithoutNodes(t *testing.T) {
	tc := newTestCluster(t, nil)
	resp := tc.do(t, http.MethodPost, dropBase, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, string(resp.Body), "no nodes are registered")
}

func TestRegisterAndListNodes(t *testing.T) {
	tc := newTestCluster(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "valid", body: cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: "http://n1"}}, want: http.StatusNoContent},
		{name: "update", body: cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: "http://n1b"}}, want: http.StatusNoContent},
		{name: "missing addr", body: cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n2"}}, want: http.StatusBadRequest},
		{name: "bad json", body: "{", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tc.do(t, http.MethodPost, "/register", tt.body).Code)
		})
	}

	resp := tc.do(t, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, []cluster.NodeInfo{{ID: "n1", Addr: "http://n1b"}}, out.Nodes)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	tc := newTestCluster(t, nil)
	assert.Equal(t, http.StatusOK, tc.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, tc.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestParamsFor(t *testing.T) {
	p, err := paramsFor(request.KindListing, submitBody{})
	require.NoError(t, err)
	assert.Equal(t, request.Params{Kind: request.KindListing, SortColumn: request.SortByQueuePosition, SortDirection: request.Ascending}, p)

	p, err = paramsFor(request.KindDrop, submitBody{SortColumn: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, request.Params{Kind: request.KindDrop}, p)
}
