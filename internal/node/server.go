package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/queue"
	"github.com/dreamware/sluice/internal/request"
)

// Server exposes an Executor over the node-facing HTTP contract.
type Server struct {
	exec   *Executor
	info   cluster.NodeInfo
	logger *zap.Logger
}

// NewServer wraps exec.
func NewServer(info cluster.NodeInfo, exec *Executor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{exec: exec, info: info, logger: logger}
}

// Handler returns the node's routes.
//
//	GET  /health           liveness
//	GET  /info             node id, queue size, stats, running requests
//	GET  /queue/size       queue size
//	POST /queue/flowfiles  enqueue flow units
//	GET  /queue/flowfiles/{uuid}  one queued unit
//	POST /queue/listing    listing step
//	POST /queue/drop       drop step
//	POST /queue/cancel     cancel a running step
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET "+cluster.PathSize, s.handleSize)
	mux.HandleFunc("POST "+cluster.PathEnqueue, s.handleEnqueue)
	mux.HandleFunc("GET "+cluster.PathEnqueue+"/{uuid}", s.handleFlowUnit)
	mux.HandleFunc("POST "+cluster.PathListing, s.handleListing)
	mux.HandleFunc("POST "+cluster.PathDrop, s.handleDrop)
	mux.HandleFunc("POST "+cluster.PathCancel, s.handleCancel)
	return mux
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		NodeID    string            `json:"node_id"`
		Addr      string            `json:"addr"`
		QueueSize request.QueueSize `json:"queue_size"`
		Stats     queue.Stats       `json:"stats"`
		Running   []string          `json:"running"`
	}{
		NodeID:    s.info.ID,
		Addr:      s.info.Addr,
		QueueSize: s.exec.Queue().Size(),
		Stats:     s.exec.Queue().Stats(),
		Running:   s.exec.Running(),
	})
}

func (s *Server) handleSize(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, s.exec.Queue().Size())
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req cluster.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	units := make([]queue.FlowUnit, 0, len(req.FlowUnits))
	for _, u := range req.FlowUnits {
		units = append(units, queue.FlowUnit{
			UUID:      u.UUID,
			Filename:  u.Filename,
			Size:      u.Size,
			Penalized: u.Penalized,
		})
	}
	if err := s.exec.Queue().Enqueue(units...); err != nil {
		s.writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.EnqueueResponse{
		Accepted:  len(units),
		QueueSize: s.exec.Queue().Size(),
	})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	var req cluster.ListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	resp, err := s.exec.ExecuteListing(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req cluster.DropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	resp, err := s.exec.ExecuteDrop(r.Context(), req)
	if err != nil {
		if resp.DroppedCount == 0 {
			s.writeErr(w, err)
			return
		}
		resp.Error = err.Error()
		cluster.WriteJSON(w, s.status(err), resp)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlowUnit(w http.ResponseWriter, r *http.Request) {
	summary, err := s.exec.FlowUnit(r.PathValue("uuid"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cluster.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		cluster.WriteError(w, http.StatusBadRequest, "requestId required")
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.CancelResponse{Canceled: s.exec.Cancel(req.RequestID)})
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := s.status(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("queue operation failed", zap.Error(err))
	}
	cluster.WriteError(w, status, err.Error())
}

func (s *Server) status(err error) int {
	var verr *request.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrUnitNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
