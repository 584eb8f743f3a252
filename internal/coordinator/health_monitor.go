package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dreamware/sluice/internal/cluster"
)

// HealthStatus is the monitor's view of one node.
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth tracks the health of a single node.
type NodeHealth struct {
	LastCheck        time.Time    `json:"last_check"`
	LastHealthy      time.Time    `json:"last_healthy"`
	NodeID           string       `json:"node_id"`
	Status           HealthStatus `json:"status"`
	ConsecutiveFails int          `json:"consecutive_fails"`
}

// HealthMonitor periodically checks every registered node. A node that
// fails maxFailures checks in a row is reported through the onUnhealthy
// callback; the coordinator uses it to take the node out of Membership so
// that new requests do not wait on it.
//
// Thread Safety: all methods are safe for concurrent use.
type HealthMonitor struct {
	checkFunc    func(ctx context.Context, node cluster.NodeInfo) error
	onUnhealthy  func(nodeID string)
	clock        clock.WithTicker
	logger       *zap.Logger
	interval     time.Duration
	checkTimeout time.Duration
	maxFailures  int

	mu    sync.RWMutex
	nodes map[string]*NodeHealth

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithMaxFailures sets how many consecutive failures mark a node unhealthy.
func WithMaxFailures(n int) HealthOption {
	return func(h *HealthMonitor) { h.maxFailures = n }
}

// WithCheckTimeout bounds each health check.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthMonitor) { h.checkTimeout = d }
}

// WithHealthClock sets the clock driving the check ticker.
func WithHealthClock(c clock.WithTicker) HealthOption {
	return func(h *HealthMonitor) { h.clock = c }
}

// WithHealthLogger sets the logger.
func WithHealthLogger(l *zap.Logger) HealthOption {
	return func(h *HealthMonitor) { h.logger = l }
}

// NewHealthMonitor creates a monitor that checks every interval. Nodes are
// marked unhealthy after 3 consecutive failures unless WithMaxFailures says
// otherwise.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, WithHealthLogger(logger))
//	monitor.SetCheckFunction(client.Health)
//	monitor.SetOnUnhealthy(func(id string) { membership.Remove(id) })
//	go monitor.Start(ctx, membership.Nodes)
func NewHealthMonitor(interval time.Duration, opts ...HealthOption) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		clock:        clock.RealClock{},
		logger:       zap.NewNop(),
		interval:     interval,
		checkTimeout: 2 * time.Second,
		maxFailures:  3,
		nodes:        make(map[string]*NodeHealth),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetCheckFunction sets the health check. It must be called before Start.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, node cluster.NodeInfo) error) {
	h.checkFunc = fn
}

// SetOnUnhealthy sets the callback invoked once when a node turns
// unhealthy. It must be called before Start.
func (h *HealthMonitor) SetOnUnhealthy(fn func(nodeID string)) {
	h.onUnhealthy = fn
}

// Start checks the nodes returned by nodeProvider immediately and then
// every interval. It blocks until ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		client := cluster.NewClient(nil)
		h.checkFunc = client.Health
	}

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.CheckAll(nodeProvider())

	for {
		select {
		case <-ticker.C():
			h.CheckAll(nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll checks each node once and forgets nodes no longer listed.
func (h *HealthMonitor) CheckAll(nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		if h.checkNode(node) && h.onUnhealthy != nil {
			h.onUnhealthy(node.ID)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Debug("node no longer monitored", zap.String("node", id))
		}
	}
}

// checkNode runs one check and reports whether the node just turned
// unhealthy.
func (h *HealthMonitor) checkNode(node cluster.NodeInfo) bool {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := h.clock.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.checkTimeout)
	err := h.checkFunc(ctx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.clock.Now()

	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", zap.String("node", node.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return false
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.String("node", node.ID),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max_failures", h.maxFailures),
		zap.Error(err))
	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return false
	}
	health.Status = StatusUnhealthy
	h.logger.Warn("node marked unhealthy", zap.String("node", node.ID), zap.Int("failures", health.ConsecutiveFails))
	return true
}

// GetNodeHealth returns a copy of the health of nodeID, or nil if it is
// not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every monitored node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether nodeID passed its latest check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
