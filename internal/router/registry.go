package router

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardledger/internal/cluster"
)

// Registry is the ordered set of ledger nodes known to the router together
// with each node's last observed health.
// Thread-safe: all methods may be called concurrently.
type Registry struct {
	// nodes keeps configuration order. Routing indexes into this slice, so
	// order is part of the routing function's input.
	nodes []cluster.NodeInfo

	// mu protects nodes. Readers get copies, never the backing slice.
	mu sync.RWMutex
}

// NewRegistry creates a registry from the configured node list.
// Every node starts in StatusUnknown and is not routable until probed.
func NewRegistry(nodes []cluster.NodeInfo) *Registry {
	r := &Registry{nodes: make([]cluster.NodeInfo, 0, len(nodes))}
	for _, n := range nodes {
		r.Register(n)
	}
	return r
}

// Register adds a node or updates the address of a known one.
// A node whose address changes goes back to StatusUnknown.
//
// Returns:
//   - bool: true if the node was not known before
func (r *Registry) Register(n cluster.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := slices.IndexFunc(r.nodes, func(x cluster.NodeInfo) bool { return x.ID == n.ID }); i >= 0 {
		if r.nodes[i].Addr != n.Addr {
			r.nodes[i] = cluster.NodeInfo{ID: n.ID, Addr: n.Addr, Status: cluster.StatusUnknown}
		}
		return false
	}
	r.nodes = append(r.nodes, cluster.NodeInfo{ID: n.ID, Addr: n.Addr, Status: cluster.StatusUnknown})
	return true
}

// Nodes returns a copy of the node list in configuration order
func (r *Registry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// Healthy returns the nodes currently marked healthy, in order
func (r *Registry) Healthy() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of known nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// setStatus records a probe result. Only the health monitor calls it.
// The write is skipped if the node's address changed while the probe was in
// flight, since the result describes the old address.
func (r *Registry) setStatus(id, addr, status string, at time.Time) (previous string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.nodes, func(x cluster.NodeInfo) bool { return x.ID == id })
	if i < 0 || r.nodes[i].Addr != addr {
		return "", false
	}
	previous = r.nodes[i].Status
	r.nodes[i].Status = status
	r.nodes[i].LastCheck = at
	return previous, true
}
