// Package cvector provides a lock-free, geometrically-growing vector.
//
// Grounded on stk/container/concurrent_vector.hpp, itself an adaptation
// of Dechev, Pirkelbauer & Stroustrup's "Lock-free Dynamically Resizable
// Arrays": storage is split into power-of-two-sized buckets located via
// a bit-trick (hibit) rather than division, and every mutation publishes
// a single descriptor (size, pending single-slot write, location) via
// one CAS, so a reader that observes a pending write can finish it
// itself instead of blocking on the writer.
package cvector

import (
	"sync/atomic"

	"github.com/joeycumines/stk/reclaim"
	"github.com/joeycumines/stk/tap"
)

const firstBucketSize = 2

// hibit returns the position of the highest set bit of val (hibit(0)==0
// matches the original's definition over std::uint32_t).
func hibit(val uint32) uint8 {
	var k uint8
	if val > 0x0000FFFF {
		val >>= 16
		k = 16
	}
	if val > 0x000000FF {
		val >>= 8
		k |= 8
	}
	if val > 0x0000000F {
		val >>= 4
		k |= 4
	}
	if val > 0x00000003 {
		val >>= 2
		k |= 2
	}
	k |= uint8((val & 2) >> 1)
	return k
}

const firstBucketHibit = 1 // hibit(firstBucketSize)

type writeState int32

const (
	stateRead writeState = iota
	stateWritePending
	stateWriteComplete
)

type descriptor[T any] struct {
	size     int
	oldValue *T
	newValue *T
	location int
	state    atomic.Int32
}

func newReadDescriptor[T any](size int) *descriptor[T] {
	d := &descriptor[T]{size: size}
	d.state.Store(int32(stateRead))
	return d
}

func newWriteDescriptor[T any](size int, old, nw *T, location int) *descriptor[T] {
	d := &descriptor[T]{size: size, oldValue: old, newValue: nw, location: location}
	d.state.Store(int32(stateWritePending))
	return d
}

type bucketTable[T any] struct {
	buckets []*bucket[T]
}

type bucket[T any] struct {
	slots []atomic.Pointer[T]
}

func newBucket[T any](size int) *bucket[T] {
	return &bucket[T]{slots: make([]atomic.Pointer[T], size)}
}

// Vector is a lock-free vector supporting amortized O(1) PushBack and
// PopBack and O(1) indexed access. The zero value is not usable;
// construct with NewVector.
type Vector[T any] struct {
	desc  atomic.Pointer[descriptor[T]]
	table tap.Stampable[bucketTable[T]]
	nodes *reclaim.NodeManager[T]
}

// NewVector constructs an empty Vector.
func NewVector[T any]() *Vector[T] {
	v := &Vector[T]{}
	v.desc.Store(newReadDescriptor[T](0))
	v.table.Store(&bucketTable[T]{buckets: []*bucket[T]{newBucket[T](firstBucketSize)}}, 1, tap.Release)
	v.nodes = reclaim.NewNodeManager(func(p *T) {
		var zero T
		*p = zero
	})
	return v
}

func (v *Vector[T]) slot(i int) *atomic.Pointer[T] {
	pos := uint32(i) + firstBucketSize
	hb := hibit(pos)
	idx := pos ^ (1 << hb)
	table, _ := v.table.Load(tap.Acquire)
	return &table.buckets[hb-firstBucketHibit].slots[idx]
}

// completeWrite finishes a descriptor's pending single-slot write if it
// has not already been finished by another goroutine: "always help"
// resolves the race by letting every caller attempt the same CAS, which
// only one can win, and treating the other's loss as success.
func (v *Vector[T]) completeWrite(d *descriptor[T]) {
	if writeState(d.state.Load()) == stateWritePending {
		v.slot(d.location).CompareAndSwap(d.oldValue, d.newValue)
		d.state.Store(int32(stateWriteComplete))
	}
}

func bucketIndexFor(size int) int {
	i := int(hibit(uint32(size+firstBucketSize))) - firstBucketHibit
	if i < 0 {
		i = 0
	}
	return i
}

// ensureBucket grows the bucket table so bucket index bucketIdx exists,
// racing other concurrent growers: the loser's freshly allocated bucket
// is simply discarded.
func (v *Vector[T]) ensureBucket(bucketIdx int) {
	for {
		table, size := v.table.Load(tap.Acquire)
		if bucketIdx < len(table.buckets) {
			return
		}
		bucketSize := firstBucketSize << (size)
		grown := &bucketTable[T]{buckets: append(append([]*bucket[T]{}, table.buckets...), newBucket[T](bucketSize))}
		if _, _, ok := v.table.CompareAndSwapStrong(table, size, grown, size+1, tap.AcqRel); ok {
			return
		}
	}
}

// PushBack appends value to the end of the vector.
func (vec *Vector[T]) PushBack(value T) {
	newVal := &value
	for {
		curr := vec.desc.Load()
		vec.completeWrite(curr)

		bucketIdx := bucketIndexFor(curr.size)
		vec.ensureBucket(bucketIdx)

		oldVal := vec.slot(curr.size).Load()
		next := newWriteDescriptor(curr.size+1, oldVal, newVal, curr.size)
		if vec.desc.CompareAndSwap(curr, next) {
			vec.completeWrite(next)
			return
		}
	}
}

// popBack is the shared loop behind PopBack and PopBackValue: it installs
// a node-manager checkout for the duration of the pop, then publishes the
// removed slot's node to the node manager for deferred destruction, per
// spec's "install a checkout ... publish the popped node to the node
// manager for deletion."
func (vec *Vector[T]) popBack() (T, bool) {
	vec.nodes.AddCheckout()
	defer vec.nodes.RemoveCheckout()
	for {
		curr := vec.desc.Load()
		vec.completeWrite(curr)
		if curr.size == 0 {
			var zero T
			return zero, false
		}
		val := vec.slot(curr.size - 1).Load()
		next := newReadDescriptor[T](curr.size - 1)
		if vec.desc.CompareAndSwap(curr, next) {
			out := *val
			vec.nodes.RegisterNodeToDelete(val)
			return out, true
		}
	}
}

// PopBack removes the last element, reporting whether the vector was
// non-empty. The removed value is discarded without being copied out;
// use PopBackValue to retrieve it.
func (vec *Vector[T]) PopBack() bool {
	_, ok := vec.popBack()
	return ok
}

// PopBackValue removes and returns the last element, reporting false if
// the vector was empty.
func (vec *Vector[T]) PopBackValue() (T, bool) {
	return vec.popBack()
}

// At returns the element at index i. It panics if i is out of range.
func (vec *Vector[T]) At(i int) T {
	if i < 0 || i >= vec.Size() {
		panic("cvector: index out of range")
	}
	return *vec.slot(i).Load()
}

// Size returns the number of elements currently in the vector, accounting
// for any write still pending completion.
func (vec *Vector[T]) Size() int {
	d := vec.desc.Load()
	s := d.size
	if writeState(d.state.Load()) == stateWritePending {
		s--
	}
	return s
}

// Empty reports whether the vector currently holds no elements.
func (vec *Vector[T]) Empty() bool { return vec.Size() == 0 }

// Capacity returns the total number of slots currently allocated across
// all buckets, whether occupied or not.
func (vec *Vector[T]) Capacity() int {
	table, size := vec.table.Load(tap.Acquire)
	total := 0
	for i := 0; i < int(size); i++ {
		total += len(table.buckets[i].slots)
	}
	return total
}

// Reserve ensures the vector can hold at least s elements without a
// further bucket allocation. Concurrent Reserve calls are safe but
// contend with one another; it is intended for single-writer setup.
func (vec *Vector[T]) Reserve(s int) {
	if s <= 0 {
		return
	}
	limit := bucketIndexFor(s - 1)
	for i := 0; i <= limit; i++ {
		vec.ensureBucket(i)
	}
}

// ForEach visits every element in index order, stopping early if fn
// returns false.
func (vec *Vector[T]) ForEach(fn func(i int, v T) bool) {
	n := vec.Size()
	for i := 0; i < n; i++ {
		if !fn(i, vec.At(i)) {
			return
		}
	}
}

// Clear removes every element, registering each with the node manager
// for deferred destruction, the same way PopBack does. Not safe to call
// concurrently with any other method: the caller must externally
// quiesce the vector first.
func (vec *Vector[T]) Clear() {
	vec.nodes.AddCheckout()
	n := vec.Size()
	for i := 0; i < n; i++ {
		vec.nodes.RegisterNodeToDelete(vec.slot(i).Load())
	}
	vec.nodes.RemoveCheckout()
	vec.desc.Store(newReadDescriptor[T](0))
	vec.table.Store(&bucketTable[T]{buckets: []*bucket[T]{newBucket[T](firstBucketSize)}}, 1, tap.Release)
}

// Iterator walks a Vector from front to back. It holds a node-manager
// checkout for its entire lifetime, so an element it has not yet visited
// is never reclaimed out from under it by a concurrent PopBack; Close
// must be called exactly once to release that checkout.
type Iterator[T any] struct {
	vec *Vector[T]
	idx int
	n   int
}

// Begin returns an Iterator positioned before the first element, as of
// the size observed at the time of the call.
func (vec *Vector[T]) Begin() *Iterator[T] {
	vec.nodes.AddCheckout()
	return &Iterator[T]{vec: vec, idx: -1, n: vec.Size()}
}

// End reports whether the iterator has visited every element captured
// when Begin was called.
func (it *Iterator[T]) End() bool { return it.idx+1 >= it.n }

// Next advances the iterator and returns the element now at its cursor.
// It panics if called after End reports true.
func (it *Iterator[T]) Next() T {
	if it.End() {
		panic("cvector: iterator advanced past end")
	}
	it.idx++
	return it.vec.At(it.idx)
}

// Close releases the iterator's node-manager checkout. Must be called
// exactly once per Iterator obtained from Begin.
func (it *Iterator[T]) Close() {
	it.vec.nodes.RemoveCheckout()
}
