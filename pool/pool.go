// Package pool provides block-growing object pools that avoid a malloc
// per allocation by handing out objects from pre-allocated blocks and
// recycling them on release.
//
// Grounded on stk/utility/memory_pool.hpp: Pool mirrors memory_pool (the
// caller constructs/destroys each value explicitly), ObjectPool mirrors
// object_pool (values are constructed once per slot and reused without
// reconstruction).
package pool

import (
	"sync"
	"sync/atomic"
)

// GrowthPolicy decides how large the pool's first block is, and how much
// to grow by when the free list runs dry.
type GrowthPolicy interface {
	InitialSize() int
	GrowthFactor(currentBlockSize int) int
}

// ConstantGrowth always allocates blocks of the same fixed size.
type ConstantGrowth struct{ Factor int }

func (g ConstantGrowth) InitialSize() int     { return g.Factor }
func (g ConstantGrowth) GrowthFactor(int) int { return g.Factor }

// GeometricGrowth starts at InitialFactor and doubles the current block's
// size on every subsequent expansion.
type GeometricGrowth struct{ InitialFactor int }

func (g GeometricGrowth) InitialSize() int                      { return g.InitialFactor }
func (g GeometricGrowth) GrowthFactor(currentBlockSize int) int { return 2 * currentBlockSize }

// DefaultGrowth matches the original's default: geometric growth starting
// at 100 elements.
var DefaultGrowth GrowthPolicy = GeometricGrowth{InitialFactor: 100}

// base implements the block bookkeeping and single-flight expansion
// shared by Pool and ObjectPool.
type base[T any] struct {
	growth GrowthPolicy
	onGrow func(block []T) // invoked on every newly allocated block, including the first

	mu        sync.Mutex
	blocks    [][]T
	free      []*T
	total     atomic.Int64
	expanding atomic.Bool
	cond      sync.Cond
}

func newBase[T any](growth GrowthPolicy, onGrow func(block []T)) *base[T] {
	if growth == nil {
		growth = DefaultGrowth
	}
	b := &base[T]{growth: growth, onGrow: onGrow}
	b.cond.L = &b.mu
	b.growBlock(growth.InitialSize())
	return b
}

func (b *base[T]) growBlock(size int) {
	block := make([]T, size)
	if b.onGrow != nil {
		b.onGrow(block)
	}
	b.blocks = append(b.blocks, block)
	for i := range block {
		b.free = append(b.free, &block[i])
	}
	b.total.Add(int64(size))
}

// SizeElements reports the total number of slots the pool has ever
// allocated, across all blocks.
func (b *base[T]) SizeElements() int { return int(b.total.Load()) }

// SizeFree reports how many slots are currently available without
// triggering an expansion.
func (b *base[T]) SizeFree() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.free)
}

// dequeue pops a free slot, expanding the pool (with single-flight
// backoff across concurrent expanders) if none is immediately available.
func (b *base[T]) dequeue() *T {
	for {
		b.mu.Lock()
		if n := len(b.free); n > 0 {
			p := b.free[n-1]
			b.free = b.free[:n-1]
			b.mu.Unlock()
			return p
		}
		b.mu.Unlock()
		b.expand()
	}
}

func (b *base[T]) deallocate(p *T) {
	b.mu.Lock()
	b.free = append(b.free, p)
	b.mu.Unlock()
}

// expand grows the pool by one block, electing a single goroutine among
// concurrent dequeue-misses to do the work; the rest block on the
// condition variable until expansion completes, with no spin or yield
// beforehand.
func (b *base[T]) expand() {
	if b.expanding.CompareAndSwap(false, true) {
		b.mu.Lock()
		if len(b.free) == 0 {
			size := b.growth.GrowthFactor(len(b.blocks[len(b.blocks)-1]))
			b.growBlock(size)
		}
		b.mu.Unlock()

		b.expanding.Store(false)
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	for b.expanding.Load() {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Pool hands out pointers to zero-valued T slots; callers are responsible
// for constructing into, and destructing out of, each slot themselves
// (Put does not run any destructor).
type Pool[T any] struct {
	b *base[T]
}

// NewPool constructs a Pool using growth (nil selects DefaultGrowth).
func NewPool[T any](growth GrowthPolicy) *Pool[T] {
	return &Pool[T]{b: newBase[T](growth, nil)}
}

// Get returns a pointer to an available slot.
func (p *Pool[T]) Get() *T { return p.b.dequeue() }

// Put returns v to the pool for reuse. The caller must not retain v after
// calling Put.
func (p *Pool[T]) Put(v *T) {
	var zero T
	*v = zero
	p.b.deallocate(v)
}

// SizeElements reports the total number of slots ever allocated.
func (p *Pool[T]) SizeElements() int { return p.b.SizeElements() }

// SizeFree reports the number of slots immediately available.
func (p *Pool[T]) SizeFree() int { return p.b.SizeFree() }

// ObjectPool hands out pointers to slots that are constructed once (via
// New, if provided) and reused across Get/Put cycles without being zeroed
// or reconstructed; useful for objects expensive to initialize but cheap
// to reset.
type ObjectPool[T any] struct {
	b   *base[T]
	New func(*T)
}

// NewObjectPool constructs an ObjectPool using growth (nil selects
// DefaultGrowth). If newFn is non-nil, it is called once per slot,
// immediately after each block is allocated (including the initial
// block), before the slot is ever handed out.
func NewObjectPool[T any](growth GrowthPolicy, newFn func(*T)) *ObjectPool[T] {
	op := &ObjectPool[T]{New: newFn}
	var onGrow func(block []T)
	if newFn != nil {
		onGrow = func(block []T) {
			for i := range block {
				newFn(&block[i])
			}
		}
	}
	op.b = newBase[T](growth, onGrow)
	return op
}

// Get returns a pointer to a previously-constructed, reusable slot.
func (op *ObjectPool[T]) Get() *T {
	p := op.b.dequeue()
	return p
}

// Put returns v to the pool without resetting or destructing it; callers
// that need a clean slate should reset v's fields themselves before
// calling Put.
func (op *ObjectPool[T]) Put(v *T) { op.b.deallocate(v) }

// SizeElements reports the total number of slots ever allocated.
func (op *ObjectPool[T]) SizeElements() int { return op.b.SizeElements() }

// SizeFree reports the number of slots immediately available.
func (op *ObjectPool[T]) SizeFree() int { return op.b.SizeFree() }
