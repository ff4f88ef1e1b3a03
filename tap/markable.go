package tap

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Markable is a tagged atomic pointer whose tag is a single mark bit, per
// spec.md §3/§4.1. Stored pointers must be at least 2-aligned; Store and
// the constructor assert this (a precondition violation, per spec.md §7).
//
// Grounded on stk/container/atomic_markable_ptr.hpp.
type Markable[T any] struct {
	word atomic.Pointer[packedState[T]]
}

// NewMarkable constructs a Markable holding (p, mark).
func NewMarkable[T any](p *T, mark bool) *Markable[T] {
	m := &Markable[T]{}
	m.Store(p, mark, SeqCst)
	return m
}

func assert2Aligned[T any](p *T) {
	if p != nil && uintptr(unsafe.Pointer(p))&1 != 0 {
		panic(fmt.Sprintf("tap: markable: pointer %p is not 2-aligned", p))
	}
}

func markBit(mark bool) uint64 {
	if mark {
		return 1
	}
	return 0
}

// Load returns the current (pointer, mark) pair.
func (m *Markable[T]) Load(Order) (*T, bool) {
	s := m.word.Load()
	if s == nil {
		return nil, false
	}
	return s.ptr, s.tag != 0
}

// Store writes (p, mark) unconditionally.
func (m *Markable[T]) Store(p *T, mark bool, _ Order) {
	assert2Aligned(p)
	m.word.Store(&packedState[T]{ptr: p, tag: markBit(mark)})
}

// Swap writes (p, mark) and returns the previous pair.
func (m *Markable[T]) Swap(p *T, mark bool, _ Order) (*T, bool) {
	assert2Aligned(p)
	old := m.word.Swap(&packedState[T]{ptr: p, tag: markBit(mark)})
	if old == nil {
		return nil, false
	}
	return old.ptr, old.tag != 0
}

// CompareAndSwapWeak succeeds iff the current pair equals (expectedPtr,
// expectedMark); on failure, it has no required spurious-failure-free
// guarantee (callers should loop), matching std::atomic's weak form.
func (m *Markable[T]) CompareAndSwapWeak(expectedPtr *T, expectedMark bool, desiredPtr *T, desiredMark bool, order Order) (*T, bool, bool) {
	return m.compareAndSwap(expectedPtr, expectedMark, desiredPtr, desiredMark, order)
}

// CompareAndSwapStrong succeeds iff the current pair equals (expectedPtr,
// expectedMark), retrying internally through any spurious CAS failures on
// the underlying word.
func (m *Markable[T]) CompareAndSwapStrong(expectedPtr *T, expectedMark bool, desiredPtr *T, desiredMark bool, order Order) (*T, bool, bool) {
	for {
		curPtr, curMark, ok := m.compareAndSwap(expectedPtr, expectedMark, desiredPtr, desiredMark, order)
		if ok {
			return curPtr, curMark, true
		}
		if curPtr != expectedPtr || curMark != expectedMark {
			return curPtr, curMark, false
		}
		// observed value still matches expected: the underlying CAS failed
		// spuriously, retry.
	}
}

// compareAndSwap makes a single attempt against the currently observed
// word, matching compare_exchange_weak's spurious-failure allowance: a
// concurrent writer landing between the Load and the CAS here is reported
// as a (possibly spurious) failure, with the observed pair returned so the
// caller's loop can re-check.
func (m *Markable[T]) compareAndSwap(expectedPtr *T, expectedMark bool, desiredPtr *T, desiredMark bool, _ Order) (*T, bool, bool) {
	assert2Aligned(desiredPtr)
	cur := m.word.Load()
	var curPtr *T
	var curMark bool
	if cur != nil {
		curPtr, curMark = cur.ptr, cur.tag != 0
	}
	if curPtr != expectedPtr || curMark != expectedMark {
		return curPtr, curMark, false
	}
	next := &packedState[T]{ptr: desiredPtr, tag: markBit(desiredMark)}
	if m.word.CompareAndSwap(cur, next) {
		return expectedPtr, expectedMark, true
	}
	reread := m.word.Load()
	if reread == nil {
		return nil, false, false
	}
	return reread.ptr, reread.tag != 0, false
}

// IsLockFree reports whether the representation is lock-free. The
// atomic.Pointer backing is always lock-free.
func (m *Markable[T]) IsLockFree() bool { return true }
