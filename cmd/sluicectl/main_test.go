package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/request"
)

// fakeCoordinator answers like a coordinator whose requests finish after
// two polls.
type fakeCoordinator struct {
	polls  atomic.Int32
	bodies chan map[string]any
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queue/listing-requests", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.bodies <- body
		cluster.WriteJSON(w, http.StatusAccepted, request.Snapshot{ID: "l1", Kind: request.KindListing, State: request.StateRunning})
	})
	mux.HandleFunc("POST /queue/drop-requests", func(w http.ResponseWriter, r *http.Request) {
		f.bodies <- nil
		cluster.WriteJSON(w, http.StatusAccepted, request.Snapshot{ID: "d1", Kind: request.KindDrop, State: request.StateRunning})
	})
	mux.HandleFunc("GET /queue/drop-requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "d1" {
			cluster.WriteError(w, http.StatusNotFound, "request not found")
			return
		}
		state := request.StateRunning
		if f.polls.Add(1) >= 2 {
			state = request.StateComplete
		}
		cluster.WriteJSON(w, http.StatusOK, request.Snapshot{ID: "d1", Kind: request.KindDrop, State: state, PercentCompleted: 100})
	})
	mux.HandleFunc("POST /queue/drop-requests/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, map[string]any{"canceled": true})
	})
	mux.HandleFunc("DELETE /queue/listing-requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, request.Snapshot{ID: r.PathValue("id"), State: request.StateCanceled})
	})
	mux.HandleFunc("GET /queue/flowfiles/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("uuid") != "u 1" || r.URL.Query().Get("clusterNodeId") != "n1" {
			cluster.WriteError(w, http.StatusNotFound, "flow unit not found")
			return
		}
		cluster.WriteJSON(w, http.StatusOK, request.FlowUnitSummary{UUID: "u 1", Position: 3, NodeID: "n1"})
	})
	mux.HandleFunc("GET /nodes", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, map[string]any{"nodes": []cluster.NodeInfo{{ID: "n1", Addr: "http://n1"}}})
	})
	return mux
}

func execute(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) request.Snapshot {
	t.Helper()
	var snap request.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	return snap
}

func TestListSendsSortOptions(t *testing.T) {
	f := &fakeCoordinator{bodies: make(chan map[string]any, 1)}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	out, err := execute(t, srv.URL, "list", "--sort", "size", "--dir", "desc", "--max", "5", "--seed", "audit")
	require.NoError(t, err)
	assert.Equal(t, "l1", decode(t, out).ID)
	assert.Equal(t, map[string]any{
		"sortColumn":    "size",
		"sortDirection": "desc",
		"maxResults":    float64(5),
		"seed":          "audit",
	}, <-f.bodies)
}

func TestDropWaitPollsUntilTerminal(t *testing.T) {
	f := &fakeCoordinator{bodies: make(chan map[string]any, 1)}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	out, err := execute(t, srv.URL, "drop", "--wait", "--interval", "1ms")
	require.NoError(t, err)
	snap := decode(t, out)
	assert.Equal(t, request.StateComplete, snap.State)
	assert.Equal(t, int32(2), f.polls.Load())
}

func TestRequestCommands(t *testing.T) {
	f := &fakeCoordinator{bodies: make(chan map[string]any, 1)}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "status", args: []string{"status", "drop", "d1"}, want: `"id": "d1"`},
		{name: "status unknown", args: []string{"status", "drop", "zz"}, wantErr: "request not found"},
		{name: "bad kind", args: []string{"status", "purge", "d1"}, wantErr: "unknown request kind"},
		{name: "cancel", args: []string{"cancel", "drop", "d1"}, want: `"canceled": true`},
		{name: "delete", args: []string{"delete", "listing", "l9"}, want: `"state": "CANCELED"`},
		{name: "nodes", args: []string{"nodes"}, want: `"id": "n1"`},
		{name: "missing args", args: []string{"cancel", "drop"}, wantErr: "accepts 2 arg(s)"},
		{name: "flowfile", args: []string{"flowfile", "u 1", "--node", "n1"}, want: `"position": 3`},
		{name: "flowfile elsewhere", args: []string{"flowfile", "u 1", "--node", "n2"}, wantErr: "flow unit not found"},
		{name: "flowfile without node", args: []string{"flowfile", "u 1"}, wantErr: "--node is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, srv.URL, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestEnqueue(t *testing.T) {
	var got cluster.EnqueueRequest
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, cluster.PathEnqueue, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		cluster.WriteJSON(w, http.StatusOK, cluster.EnqueueResponse{Accepted: len(got.FlowUnits)})
	}))
	defer node.Close()

	out, err := execute(t, "http://unused", "enqueue", "--node", node.URL, "--count", "3", "--size", "64", "--filename", "blob")
	require.NoError(t, err)
	assert.Contains(t, out, `"accepted": 3`)
	require.Len(t, got.FlowUnits, 3)
	assert.Equal(t, cluster.EnqueueUnit{Filename: "blob-2", Size: 64}, got.FlowUnits[2])

	_, err = execute(t, "http://unused", "enqueue", "--count", "3")
	assert.ErrorContains(t, err, "--node is required")
	_, err = execute(t, "http://unused", "enqueue", "--node", node.URL, "--count", "0")
	assert.ErrorContains(t, err, "--count must be at least 1")
}
