// Package reclaim provides the safe-memory-reclamation schemes used by the
// concurrent containers: a quiescent-state-based reclaimer (QSBR), a
// ref-counted reclaimer (RCR), and a ref-counted node manager (RCNM).
//
// Grounded on junction's DefaultQSBR (as consumed by
// stk/container/concurrent_integral_map.hpp) for QSBR, and on
// stk/container/ref_count_memory_reclaimer.hpp /
// stk/container/ref_count_node_manager.hpp for RCR / RCNM.
package reclaim

import (
	"math"
	"sync"
	"sync/atomic"
)

// QSBR defers destructors until every registered Handle has announced a
// quiescent state at least once after the destructor was enqueued.
type QSBR struct {
	mu         sync.Mutex
	handles    map[*Handle]struct{}
	generation atomic.Uint64
	pending    []qsbrEntry
}

type qsbrEntry struct {
	generation uint64
	fn         func()
}

// Handle represents a single registered thread/goroutine's participation
// in quiescence tracking.
type Handle struct {
	owner *QSBR
	seen  atomic.Uint64
}

// NewQSBR constructs an empty reclaimer.
func NewQSBR() *QSBR {
	return &QSBR{handles: make(map[*Handle]struct{})}
}

// Register enrolls the calling goroutine, returning a Handle it must call
// Quiesce on periodically and Unregister when done.
func (q *QSBR) Register() *Handle {
	h := &Handle{owner: q}
	h.seen.Store(q.generation.Load())
	q.mu.Lock()
	q.handles[h] = struct{}{}
	q.mu.Unlock()
	return h
}

// Unregister removes the handle from quiescence tracking and attempts a
// flush, since its departure may unblock pending reclamations.
func (h *Handle) Unregister() {
	q := h.owner
	q.mu.Lock()
	delete(q.handles, h)
	q.mu.Unlock()
	q.tryFlush()
}

// Quiesce announces that the owning goroutine holds no references into the
// reclaimed containers at this instant.
func (h *Handle) Quiesce() {
	h.seen.Store(h.owner.generation.Load())
	h.owner.tryFlush()
}

// Enqueue queues fn to run once every currently-registered handle has
// quiesced at least once after this call.
func (q *QSBR) Enqueue(fn func()) {
	gen := q.generation.Add(1)
	q.mu.Lock()
	q.pending = append(q.pending, qsbrEntry{generation: gen, fn: fn})
	q.mu.Unlock()
	q.tryFlush()
}

// ReclaimViaCallable is a convenience for Enqueue(func() { deleter(ptr) }).
func ReclaimViaCallable[T any](q *QSBR, deleter func(*T), ptr *T) {
	q.Enqueue(func() { deleter(ptr) })
}

// Flush forces processing of every pending callable already known to be
// safe (i.e. every registered handle has quiesced since it was enqueued).
// It does not, and cannot, force-run callables still blocked on an
// outstanding handle — doing so would violate the reclamation invariant.
func (q *QSBR) Flush() {
	q.tryFlush()
}

func (q *QSBR) tryFlush() {
	q.mu.Lock()
	min := uint64(math.MaxUint64)
	for h := range q.handles {
		if g := h.seen.Load(); g < min {
			min = g
		}
	}
	if len(q.handles) == 0 {
		min = q.generation.Load()
	}
	var ready []func()
	remaining := q.pending[:0]
	for _, e := range q.pending {
		if e.generation <= min {
			ready = append(ready, e.fn)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.pending = remaining
	q.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}
