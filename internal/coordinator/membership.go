package coordinator

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sluice/internal/cluster"
)

// Membership is the table of registered nodes. Every node in it is one step
// of each request submitted while it is registered.
//
// Thread Safety:
// All methods are safe for concurrent use. Nodes returns a copy.
type Membership struct {
	mu    sync.RWMutex
	nodes []cluster.NodeInfo
}

// NewMembership creates an empty table.
func NewMembership() *Membership {
	return &Membership{}
}

// Register adds node, or replaces the address of a node with the same id.
// It reports whether the node is new.
func (m *Membership) Register(node cluster.NodeInfo) (bool, error) {
	if node.ID == "" || node.Addr == "" {
		return false, errors.New("missing id/addr")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.nodes, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if idx >= 0 {
		m.nodes[idx] = node
		return false, nil
	}
	m.nodes = append(m.nodes, node)
	slices.SortFunc(m.nodes, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return true, nil
}

// Remove deletes the node with id and reports whether it was present.
func (m *Membership) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return false
	}
	m.nodes = slices.Delete(m.nodes, idx, idx+1)
	return true
}

// Get returns the node registered under id.
func (m *Membership) Get(id string) (cluster.NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := slices.IndexFunc(m.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return cluster.NodeInfo{}, false
	}
	return m.nodes[idx], true
}

// Nodes returns the registered nodes ordered by id.
func (m *Membership) Nodes() []cluster.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.nodes)
}

// Len returns the number of registered nodes.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}
