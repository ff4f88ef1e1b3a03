// Package cmap provides a lock-free-read hash map keyed by uint64,
// intended for pointer or small-integer keys the way stk's integral and
// pointer maps are used.
//
// Grounded on junction's ConcurrentMap_Leapfrog as consumed by
// stk/container/concurrent_integral_map.hpp: open-addressed linear
// probing over a packed table, Wang's avalanche mixing on lookup, and a
// sentinel Redirect value marking a slot that has migrated to a newer
// table during a resize. Deleted data is handed to a reclaim.QSBR rather
// than freed immediately, so a concurrent reader that already loaded the
// old pointer is never left holding a dangling reference.
package cmap

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/stk/reclaim"
)

// NullValue and Redirect mirror pointer_value_traits: NullValue marks an
// empty slot, Redirect marks a slot whose authoritative value now lives
// in a newer table.
const (
	stateEmpty = iota
	stateValue
	stateRedirect
	stateTombstone
)

type slot[V any] struct {
	state uint32
	key   uint64
	value V
}

// avalanche applies Thomas Wang's 64-bit integer mix, the same function
// turf::util::avalanche uses to spread integral keys across buckets.
func avalanche(k uint64) uint64 {
	k = (^k) + (k << 21)
	k ^= k >> 24
	k = k + (k << 3) + (k << 8)
	k ^= k >> 14
	k = k + (k << 2) + (k << 4)
	k ^= k >> 28
	k += k << 31
	return k
}

type table[V any] struct {
	mask    uint64
	buckets []atomic.Pointer[slot[V]]
}

func newTable[V any](size int) *table[V] {
	return &table[V]{mask: uint64(size - 1), buckets: make([]atomic.Pointer[slot[V]], size)}
}

// Map is a concurrent uint64-keyed map. The zero value is not usable;
// construct with New.
type Map[V any] struct {
	qsbr *reclaim.QSBR

	resizing   sync.Mutex
	cur        atomic.Pointer[table[V]]
	count      atomic.Int64
	tombstones atomic.Int64
}

// New constructs an empty Map backed by the given QSBR, which governs
// when erased/displaced values become eligible for reuse by the caller.
// If qsbr is nil, one is created automatically.
func New[V any](qsbr *reclaim.QSBR) *Map[V] {
	if qsbr == nil {
		qsbr = reclaim.NewQSBR()
	}
	m := &Map[V]{qsbr: qsbr}
	m.cur.Store(newTable[V](16))
	return m
}

func (m *Map[V]) probe(t *table[V], key uint64, visit func(i uint64, s *slot[V]) (stop bool)) {
	h := avalanche(key)
	for i := uint64(0); i <= t.mask; i++ {
		idx := (h + i) & t.mask
		s := t.buckets[idx].Load()
		if visit(idx, s) {
			return
		}
	}
}

// Find returns the value stored for key, if any.
func (m *Map[V]) Find(key uint64) (V, bool) {
	t := m.cur.Load()
	var out V
	var found bool
	m.probe(t, key, func(_ uint64, s *slot[V]) bool {
		if s == nil {
			return true // empty slot: key not present
		}
		if s.state == stateValue && s.key == key {
			out, found = s.value, true
			return true
		}
		return false
	})
	return out, found
}

// InsertOrFind inserts value under key if absent, otherwise leaves the
// existing entry untouched. It reports the value now stored for key and
// whether this call performed the insertion.
func (m *Map[V]) InsertOrFind(key uint64, value V) (V, bool) {
	return m.upsert(key, value, false)
}

// Assign stores value under key unconditionally, overwriting any existing
// entry for key.
func (m *Map[V]) Assign(key uint64, value V) {
	m.upsert(key, value, true)
}

// upsert is the shared probe-and-place loop behind InsertOrFind and Assign.
// A tombstone slot encountered along the probe chain is remembered and, if
// the chain ends without finding a live match, reused for the new entry
// instead of landing further down the chain in a fresh empty slot —
// mirroring Leapfrog's tombstone reuse on insert, so insert/erase churn on
// the same key does not grow the occupied-slot count without bound.
func (m *Map[V]) upsert(key uint64, value V, overwrite bool) (V, bool) {
	for {
		t := m.cur.Load()
		var placed V
		var done, inserted bool
		var tombIdx uint64
		var tombSlot *slot[V]
		haveTomb := false
		m.probe(t, key, func(idx uint64, s *slot[V]) bool {
			if s == nil {
				targetIdx, old := idx, (*slot[V])(nil)
				if haveTomb {
					targetIdx, old = tombIdx, tombSlot
				}
				next := &slot[V]{state: stateValue, key: key, value: value}
				if t.buckets[targetIdx].CompareAndSwap(old, next) {
					placed, done, inserted = value, true, true
					m.count.Add(1)
					if haveTomb {
						m.tombstones.Add(-1)
					}
					return true
				}
				// lost the race; retry the whole operation.
				done = false
				return true
			}
			switch s.state {
			case stateValue:
				if s.key == key {
					if overwrite {
						next := &slot[V]{state: stateValue, key: key, value: value}
						if t.buckets[idx].CompareAndSwap(s, next) {
							placed, done = value, true
						}
					} else {
						placed, done = s.value, true
					}
					return true
				}
			case stateRedirect:
				done = false
				return true
			case stateTombstone:
				if !haveTomb {
					haveTomb, tombIdx, tombSlot = true, idx, s
				}
			}
			return false
		})
		if done {
			return placed, inserted
		}
		if m.maybeFollowRedirect(t) {
			continue
		}
		m.growIfNeeded(t)
	}
}

// Erase removes key, handing the removed value to the QSBR-governed
// callback (if non-nil) once it is safe to reuse.
func (m *Map[V]) Erase(key uint64, onErase func(V)) bool {
	t := m.cur.Load()
	erased := false
	m.probe(t, key, func(idx uint64, s *slot[V]) bool {
		if s == nil {
			return true
		}
		if s.state == stateValue && s.key == key {
			tomb := &slot[V]{state: stateTombstone, key: key}
			if t.buckets[idx].CompareAndSwap(s, tomb) {
				erased = true
				m.count.Add(-1)
				m.tombstones.Add(1)
				if onErase != nil {
					v := s.value
					m.qsbr.Enqueue(func() { onErase(v) })
				}
			}
			return true
		}
		return false
	})
	return erased
}

// ForEach visits every live (key, value) pair. It is not a point-in-time
// snapshot under concurrent mutation.
func (m *Map[V]) ForEach(fn func(key uint64, value V)) {
	t := m.cur.Load()
	for i := range t.buckets {
		s := t.buckets[i].Load()
		if s != nil && s.state == stateValue {
			fn(s.key, s.value)
		}
	}
}

// Len returns the approximate number of live entries.
func (m *Map[V]) Len() int { return int(m.count.Load()) }

// Clear discards every entry, replacing the table with a fresh empty one.
// It is not safe to call concurrently with any other method: the caller
// must externally quiesce the map (e.g. after SuspendPolling-style
// coordination) before calling Clear.
func (m *Map[V]) Clear() {
	m.cur.Store(newTable[V](16))
	m.count.Store(0)
	m.tombstones.Store(0)
}

// Quiesce drains every pending erase callback whose reclamation window has
// already closed, without blocking on any handle that has not checked in
// since being enqueued. It delegates directly to the embedded QSBR.
func (m *Map[V]) Quiesce() { m.qsbr.Flush() }

// maybeFollowRedirect reports whether t has already been superseded by a
// newer table (so the caller should simply retry against the current
// table), without itself performing any migration work.
func (m *Map[V]) maybeFollowRedirect(t *table[V]) bool {
	return m.cur.Load() != t
}

const loadFactorNumerator, loadFactorDenominator = 3, 4

// growIfNeeded doubles the table when it is at least 3/4 full and no
// resize is already underway, migrating every live entry under a mutex;
// readers and writers against the old table are never blocked, since they
// only ever see the old table swapped for the new one atomically once
// migration completes. The trigger counts tombstones alongside live
// entries: a slot chain that is mostly dead tombstones probes just as long
// as one full of live values, so it must grow the table too, even though
// upsert's tombstone reuse keeps steady insert/erase churn on the same
// keys from needing this in practice.
func (m *Map[V]) growIfNeeded(t *table[V]) {
	occupied := m.count.Load() + m.tombstones.Load()
	if int64(len(t.buckets))*loadFactorNumerator <= occupied*loadFactorDenominator {
		m.resizing.Lock()
		defer m.resizing.Unlock()
		if m.cur.Load() != t {
			return // someone else already migrated
		}
		bigger := newTable[V](len(t.buckets) * 2)
		for i := range t.buckets {
			s := t.buckets[i].Load()
			if s != nil && s.state == stateValue {
				m.probe(bigger, s.key, func(idx uint64, existing *slot[V]) bool {
					if existing == nil {
						bigger.buckets[idx].Store(&slot[V]{state: stateValue, key: s.key, value: s.value})
						return true
					}
					return false
				})
			}
		}
		m.cur.Store(bigger)
		m.tombstones.Store(0) // tombstones are dropped during migration
		return
	}
	// Table wasn't actually full (another goroutine's insert lost a CAS
	// race for an unrelated reason); yield so the winner can finish
	// before we retry.
	runtime.Gosched()
}
