package reclaim

import (
	"sync"

	"github.com/joeycumines/stk/tap"
)

// rcrQueue is a simple mutex-guarded pending-callable queue. The original
// plugs in a full lock-free MPMC queue (moodycamel::ConcurrentQueue) here;
// since only one thread (the one that drove refcount to zero) ever drains
// a given rcrQueue, and producers only ever append, a mutex is sufficient
// and keeps RCR's own logic — the part this package is grounded on — the
// focus.
type rcrQueue struct {
	mu    sync.Mutex
	items []func()
}

func (q *rcrQueue) enqueue(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
}

func (q *rcrQueue) drain() []func() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// RCR is the ref-counted reclaimer: an atomic (queue, refcount) pair.
// Checkouts increment the refcount; when the last checkout is removed, the
// current queue is swapped for a fresh one and every pending callable in
// the old queue runs.
//
// Grounded on stk/container/ref_count_memory_reclaimer.hpp.
type RCR struct {
	state tap.Stampable[rcrQueue]
}

// NewRCR constructs an RCR with a fresh, empty, zero-refcount queue.
func NewRCR() *RCR {
	r := &RCR{}
	r.state.Store(&rcrQueue{}, 0, tap.SeqCst)
	return r
}

// AddCheckout increments the refcount on the current queue, keeping it
// alive until RemoveCheckout is called.
func (r *RCR) AddCheckout() {
	for {
		p, s := r.state.Load(tap.Acquire)
		if _, _, ok := r.state.CompareAndSwapWeak(p, s, p, s+1, tap.AcqRel); ok {
			return
		}
	}
}

// RemoveCheckout releases a checkout previously acquired via AddCheckout.
// If this was the last outstanding checkout, the queue is swapped for a
// fresh one and every pending callable runs on the calling goroutine.
func (r *RCR) RemoveCheckout() {
	for {
		p, s := r.state.Load(tap.Acquire)
		if s == 0 {
			panic("reclaim: rcr: checkout underflow")
		}
		next := p
		if s == 1 {
			next = &rcrQueue{}
		}
		if _, _, ok := r.state.CompareAndSwapWeak(p, s, next, s-1, tap.AcqRel); ok {
			if s == 1 {
				for _, fn := range p.drain() {
					fn()
				}
			}
			return
		}
	}
}

// Add enqueues fn on the currently live queue, bracketing the enqueue with
// its own checkout so a concurrent drain can never observe (and lose) it
// mid-flight — the resolution this package applies to the Open Question
// in spec.md §9 about RCR's reentrant Add during RemoveCheckout.
func (r *RCR) Add(fn func()) {
	r.AddCheckout()
	defer r.RemoveCheckout()
	p, _ := r.state.Load(tap.Acquire)
	p.enqueue(fn)
}

// ReclaimViaCallable is the same as Add(deleter); any pointer the deleter
// acts on is bound into the closure by the caller.
func (r *RCR) ReclaimViaCallable(deleter func()) {
	r.Add(deleter)
}
