package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/coordinator"
	"github.com/dreamware/sluice/internal/request"
)

const (
	listingBase  = "/queue/listing-requests"
	dropBase     = "/queue/drop-requests"
	flowUnitBase = "/queue/flowfiles"
)

// flowUnitFetcher reads one queued unit from a node. cluster.Client
// implements it.
type flowUnitFetcher interface {
	FlowUnit(ctx context.Context, node cluster.NodeInfo, uuid string) (request.FlowUnitSummary, error)
}

// server is the coordinator's REST surface.
type server struct {
	registry *coordinator.RequestRegistry
	members  *coordinator.Membership
	monitor  *coordinator.HealthMonitor
	units    flowUnitFetcher
	logger   *zap.Logger
}

func newServer(registry *coordinator.RequestRegistry, members *coordinator.Membership, monitor *coordinator.HealthMonitor, units flowUnitFetcher, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{registry: registry, members: members, monitor: monitor, units: units, logger: logger}
}

// flowUnitURI is where a client fetches one unit of a listing.
func flowUnitURI(uuid, nodeID string) string {
	return flowUnitBase + "/" + url.PathEscape(uuid) + "?clusterNodeId=" + url.QueryEscape(nodeID)
}

// submitBody is the body of a submit. Sort fields only apply to listings;
// a drop may be submitted with an empty body.
type submitBody struct {
	SortColumn    string `json:"sortColumn"`
	SortDirection string `json:"sortDirection"`
	MaxResults    int    `json:"maxResults"`
	Seed          string `json:"seed"`
}

type cancelResult struct {
	Canceled bool             `json:"canceled"`
	Request  request.Snapshot `json:"request"`
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET "+flowUnitBase+"/{uuid}", s.handleFlowUnit)

	for base, kind := range map[string]request.Kind{listingBase: request.KindListing, dropBase: request.KindDrop} {
		mux.HandleFunc("POST "+base, s.handleSubmit(base, kind))
		mux.HandleFunc("GET "+base+"/{id}", s.handleGet(kind))
		mux.HandleFunc("POST "+base+"/{id}/cancel", s.handleCancel(kind))
		mux.HandleFunc("DELETE "+base+"/{id}", s.handleDelete(kind))
	}
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	added, err := s.members.Register(req.Node)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if added {
		s.logger.Info("node registered", zap.String("node", req.Node.ID), zap.String("addr", req.Node.Addr))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Nodes  []cluster.NodeInfo                  `json:"nodes"`
		Health map[string]*coordinator.NodeHealth `json:"health,omitempty"`
	}{Nodes: s.members.Nodes()}
	if s.monitor != nil {
		resp.Health = s.monitor.GetAllNodeHealth()
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) handleSubmit(base string, kind request.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			cluster.WriteError(w, http.StatusBadRequest, "bad json")
			return
		}
		params, err := paramsFor(kind, body)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		snap, err := s.registry.Submit(r.Context(), coordinator.SubmitRequest{Params: params, Seed: body.Seed})
		if err != nil {
			s.writeErr(w, err)
			return
		}
		w.Header().Set("Location", base+"/"+snap.ID)
		cluster.WriteJSON(w, http.StatusAccepted, snap)
	}
}

func paramsFor(kind request.Kind, body submitBody) (request.Params, error) {
	p := request.Params{Kind: kind}
	if kind != request.KindListing {
		return p, nil
	}
	col, dir := request.DefaultSortColumn, request.Ascending
	var err error
	if body.SortColumn != "" {
		if col, err = request.ParseSortColumn(body.SortColumn); err != nil {
			return p, err
		}
	}
	if body.SortDirection != "" {
		if dir, err = request.ParseSortDirection(body.SortDirection); err != nil {
			return p, err
		}
	}
	p.SortColumn, p.SortDirection, p.MaxResults = col, dir, body.MaxResults
	return p, nil
}

func (s *server) handleGet(kind request.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.lookup(r.PathValue("id"), kind)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, withURIs(t.Snapshot()))
	}
}

// withURIs points every summary of snap at its flow unit endpoint. The
// summaries are copied; the tracker's result is left as it is.
func withURIs(snap request.Snapshot) request.Snapshot {
	if len(snap.FlowUnitSummaries) == 0 {
		return snap
	}
	out := make([]request.FlowUnitSummary, len(snap.FlowUnitSummaries))
	for i, fs := range snap.FlowUnitSummaries {
		fs.URI = flowUnitURI(fs.UUID, fs.NodeID)
		out[i] = fs
	}
	snap.FlowUnitSummaries = out
	return snap
}

// handleFlowUnit forwards a single unit lookup to the node named by the
// clusterNodeId query parameter.
func (s *server) handleFlowUnit(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	nodeID := r.URL.Query().Get("clusterNodeId")
	if nodeID == "" {
		s.writeErr(w, &request.ValidationError{Field: "clusterNodeId", Msg: "is required"})
		return
	}
	n, ok := s.members.Get(nodeID)
	if !ok {
		s.writeErr(w, fmt.Errorf("node %s: %w", nodeID, request.ErrNotFound))
		return
	}
	summary, err := s.units.FlowUnit(r.Context(), n, uuid)
	switch {
	case err == nil:
		summary.URI = flowUnitURI(summary.UUID, summary.NodeID)
		cluster.WriteJSON(w, http.StatusOK, summary)
	case cluster.IsStatus(err, http.StatusNotFound):
		cluster.WriteError(w, http.StatusNotFound, fmt.Sprintf("flow unit %s not found on node %s", uuid, nodeID))
	default:
		s.logger.Warn("flow unit lookup failed", zap.String("node", nodeID), zap.String("uuid", uuid), zap.Error(err))
		cluster.WriteError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *server) handleCancel(kind request.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		t, err := s.lookup(id, kind)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		canceled, err := s.registry.Cancel(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, cancelResult{Canceled: canceled, Request: withURIs(t.Snapshot())})
	}
}

func (s *server) handleDelete(kind request.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.lookup(id, kind); err != nil {
			s.writeErr(w, err)
			return
		}
		snap, err := s.registry.Delete(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, snap)
	}
}

// lookup finds id among requests of kind. A request of the other kind is
// reported as not found.
func (s *server) lookup(id string, kind request.Kind) (*request.Tracker, error) {
	t, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Kind() != kind {
		return nil, fmt.Errorf("no %s request %s: %w", kind, id, request.ErrNotFound)
	}
	return t, nil
}

func (s *server) writeErr(w http.ResponseWriter, err error) {
	var verr *request.ValidationError
	switch {
	case errors.As(err, &verr):
		cluster.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, request.ErrNotFound):
		cluster.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrClosed):
		cluster.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
