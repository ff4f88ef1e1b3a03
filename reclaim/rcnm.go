package reclaim

import "sync"

// NodeManager defers destruction of nodes until no checkouts remain
// outstanding. Unlike RCR, a single NodeManager holds a growing list of
// distinct nodes awaiting destruction rather than a queue of arbitrary
// callables; that is the one structural difference from
// ref_count_memory_reclaimer.hpp that ref_count_node_manager.hpp
// introduces, and the reason this lives in its own file.
//
// Grounded on stk/container/ref_count_node_manager.hpp.
type NodeManager[N any] struct {
	Destroy func(*N)

	mu       sync.Mutex
	nodes    []*N
	refcount int64
}

// NewNodeManager constructs a NodeManager that calls destroy on every node
// it drains.
func NewNodeManager[N any](destroy func(*N)) *NodeManager[N] {
	return &NodeManager[N]{Destroy: destroy}
}

// AddCheckout registers one outstanding use of nodes owned by this
// manager. Every AddCheckout must be matched by exactly one
// RemoveCheckout.
func (m *NodeManager[N]) AddCheckout() {
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
}

// RemoveCheckout releases a checkout. When the refcount drops to zero,
// every node registered via RegisterNodeToDelete since the last drain is
// destroyed.
//
// The original resolves this via a scope-exit guard whose ordering
// relative to the refcount decrement is not spelled out by the header
// alone; this rendition makes the order explicit: decrement first, then,
// while still holding the lock, check whether the refcount is now zero
// and nodes are pending, draining if so. Record in DESIGN.md as the
// resolution of that ambiguity.
func (m *NodeManager[N]) RemoveCheckout() {
	m.mu.Lock()
	if m.refcount == 0 {
		m.mu.Unlock()
		panic("reclaim: rcnm: checkout underflow")
	}
	m.refcount--
	var drained []*N
	if m.refcount == 0 && len(m.nodes) > 0 {
		drained = m.nodes
		m.nodes = nil
	}
	m.mu.Unlock()

	for _, n := range drained {
		m.Destroy(n)
	}
}

// RegisterNodeToDelete queues n for destruction once the refcount next
// reaches zero. If the refcount is already zero (no outstanding
// checkouts), n is destroyed immediately.
func (m *NodeManager[N]) RegisterNodeToDelete(n *N) {
	m.mu.Lock()
	if m.refcount == 0 {
		m.mu.Unlock()
		m.Destroy(n)
		return
	}
	m.nodes = append(m.nodes, n)
	m.mu.Unlock()
}

// Pending reports how many nodes are currently awaiting destruction.
func (m *NodeManager[N]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}
