package cmap

import (
	"unsafe"

	"github.com/joeycumines/stk/reclaim"
)

// PointerMap is the pointer-keyed counterpart of Map, grounded on
// concurrent_pointer_unordered_map.hpp: pointer identity stands in for the
// integral key, bit-cast to uint64 and run through the same Leapfrog
// table. The zero value is not usable; construct with NewPointerMap.
type PointerMap[V any] struct {
	m *Map[V]
}

// NewPointerMap constructs an empty PointerMap backed by the given QSBR,
// following the same nil-means-own-QSBR rule as New.
func NewPointerMap[V any](qsbr *reclaim.QSBR) *PointerMap[V] {
	return &PointerMap[V]{m: New[V](qsbr)}
}

func pointerKey(p unsafe.Pointer) uint64 { return uint64(uintptr(p)) }

// Find returns the value stored for key, if any.
func (m *PointerMap[V]) Find(key unsafe.Pointer) (V, bool) {
	return m.m.Find(pointerKey(key))
}

// InsertOrFind inserts value under key if absent, otherwise leaves the
// existing entry untouched.
func (m *PointerMap[V]) InsertOrFind(key unsafe.Pointer, value V) (V, bool) {
	return m.m.InsertOrFind(pointerKey(key), value)
}

// Assign stores value under key unconditionally.
func (m *PointerMap[V]) Assign(key unsafe.Pointer, value V) {
	m.m.Assign(pointerKey(key), value)
}

// Erase removes key, handing the removed value to onErase (if non-nil)
// once it is safe to reuse.
func (m *PointerMap[V]) Erase(key unsafe.Pointer, onErase func(V)) bool {
	return m.m.Erase(pointerKey(key), onErase)
}

// ForEach visits every live (key, value) pair.
func (m *PointerMap[V]) ForEach(fn func(key unsafe.Pointer, value V)) {
	m.m.ForEach(func(key uint64, value V) {
		fn(unsafe.Pointer(uintptr(key)), value)
	})
}

// Len returns the approximate number of live entries.
func (m *PointerMap[V]) Len() int { return m.m.Len() }

// Clear discards every entry; see Map.Clear for its external-quiescence
// requirement.
func (m *PointerMap[V]) Clear() { m.m.Clear() }

// Quiesce delegates to the embedded Map's Quiesce.
func (m *PointerMap[V]) Quiesce() { m.m.Quiesce() }
