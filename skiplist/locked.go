package skiplist

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/joeycumines/stk/internal/spinlock"
	"github.com/joeycumines/stk/reclaim"
)

type lockedNode[K constraints.Ordered, V any] struct {
	key         K
	value       V
	next        []atomic.Pointer[lockedNode[K, V]]
	lock        spinlock.Lock
	marked      atomic.Bool
	fullyLinked atomic.Bool
	topLevel    int
}

// LockedMap is a fine-grained-locking ordered map: each node owns a
// spinlock, so inserts and deletes at unrelated keys never contend. Reads
// (Find, Contains, Range, EqualRange) never take a per-node spinlock; the
// marked/fullyLinked/next fields they read are stored and loaded with
// atomics so a reader never observes a write mid-publication. They do
// hold a brief reclaim.NodeManager checkout for their duration, the same
// discipline Erase's unlinked node waits on before being handed off.
type LockedMap[K constraints.Ordered, V any] struct {
	head, tail    *lockedNode[K, V]
	selector      *levelSelector
	count         atomic.Int64
	allowMultiple bool
	nodes         *reclaim.NodeManager[lockedNode[K, V]]
}

// NewLockedMap constructs an empty LockedMap. opts is optional; at most
// its first element is used.
func NewLockedMap[K constraints.Ordered, V any](opts ...Options) *LockedMap[K, V] {
	head := &lockedNode[K, V]{next: make([]atomic.Pointer[lockedNode[K, V]], MaxHeight), topLevel: MaxHeight - 1}
	tail := &lockedNode[K, V]{next: make([]atomic.Pointer[lockedNode[K, V]], MaxHeight), topLevel: MaxHeight - 1}
	head.fullyLinked.Store(true)
	tail.fullyLinked.Store(true)
	for i := range head.next {
		head.next[i].Store(tail)
	}
	m := &LockedMap[K, V]{
		head:     head,
		tail:     tail,
		selector: newLevelSelector(),
		// Destroy is inert: the node is already unreachable once
		// physically unlinked, and Go's GC reclaims it once the last
		// checkout drains, same as a C++ node manager would call delete.
		nodes: reclaim.NewNodeManager(func(*lockedNode[K, V]) {}),
	}
	if len(opts) > 0 {
		m.allowMultiple = opts[0].AllowMultipleKeys
	}
	return m
}

// find scans down from the top level, filling preds/succs with, at each
// level, the last node known to precede key and the first node known not
// to, per Herlihy & Shavit's lazy list find. It returns the level at
// which a node with exactly this key was found, or -1.
func (m *LockedMap[K, V]) find(key K, preds, succs []*lockedNode[K, V]) int {
	foundLevel := -1
	pred := m.head
	for level := MaxHeight - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != m.tail && less(curr.key, key) {
			pred = curr
			curr = pred.next[level].Load()
		}
		if foundLevel == -1 && curr != m.tail && curr.key == key {
			foundLevel = level
		}
		preds[level] = pred
		succs[level] = curr
	}
	return foundLevel
}

func less[K constraints.Ordered](a, b K) bool { return a < b }

// Find returns the value stored for key, if any. Under AllowMultipleKeys
// it returns the first match in ascending order.
func (m *LockedMap[K, V]) Find(key K) (V, bool) {
	m.nodes.AddCheckout()
	defer m.nodes.RemoveCheckout()
	pred := m.head
	var curr *lockedNode[K, V]
	for level := MaxHeight - 1; level >= 0; level-- {
		curr = pred.next[level].Load()
		for curr != m.tail && less(curr.key, key) {
			pred = curr
			curr = pred.next[level].Load()
		}
	}
	if curr != m.tail && curr.key == key && curr.fullyLinked.Load() && !curr.marked.Load() {
		return curr.value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present.
func (m *LockedMap[K, V]) Contains(key K) bool {
	_, ok := m.Find(key)
	return ok
}

// EqualRange visits every live entry equal to key, in level-0 list order
// (most recently inserted first), stopping early if fn returns false. With unique keys (the
// default) it visits at most one entry.
func (m *LockedMap[K, V]) EqualRange(key K, fn func(value V) bool) {
	m.nodes.AddCheckout()
	defer m.nodes.RemoveCheckout()
	pred := m.head
	var curr *lockedNode[K, V]
	for level := MaxHeight - 1; level >= 0; level-- {
		curr = pred.next[level].Load()
		for curr != m.tail && less(curr.key, key) {
			pred = curr
			curr = pred.next[level].Load()
		}
	}
	for curr != m.tail && curr.key == key {
		if curr.fullyLinked.Load() && !curr.marked.Load() {
			if !fn(curr.value) {
				return
			}
		}
		curr = curr.next[0].Load()
	}
}

// Insert adds key/value, reporting whether it inserted a new node. With
// unique keys (the default) an existing entry for key is left untouched
// and Insert reports false. With AllowMultipleKeys, Insert always adds a
// new node alongside any existing entries for key.
func (m *LockedMap[K, V]) Insert(key K, value V) bool {
	topLevel := m.selector.randomLevel(MaxHeight - 1)
	var preds, succs [MaxHeight]*lockedNode[K, V]
	for {
		foundLevel := m.find(key, preds[:], succs[:])
		if foundLevel != -1 && !m.allowMultiple {
			found := succs[foundLevel]
			if !found.marked.Load() {
				for !found.fullyLinked.Load() {
					runtime.Gosched()
				}
				return false
			}
			continue // marked for deletion; retry
		}

		highestLocked := -1
		valid := true
		for level := 0; valid && level <= topLevel; level++ {
			pred, succ := preds[level], succs[level]
			pred.lock.Lock()
			highestLocked = level
			valid = !pred.marked.Load() && !succ.marked.Load() && pred.next[level].Load() == succ
		}

		if !valid {
			for level := 0; level <= highestLocked; level++ {
				preds[level].lock.Unlock()
			}
			continue
		}

		node := &lockedNode[K, V]{key: key, value: value, next: make([]atomic.Pointer[lockedNode[K, V]], topLevel+1), topLevel: topLevel}
		for level := 0; level <= topLevel; level++ {
			node.next[level].Store(succs[level])
		}
		for level := 0; level <= topLevel; level++ {
			preds[level].next[level].Store(node)
		}
		node.fullyLinked.Store(true)
		m.count.Add(1)

		for level := 0; level <= highestLocked; level++ {
			preds[level].lock.Unlock()
		}
		return true
	}
}

// Erase removes key if present, reporting whether it did so. Under
// AllowMultipleKeys it removes a single matching entry, not every one.
func (m *LockedMap[K, V]) Erase(key K) bool {
	var victim *lockedNode[K, V]
	isMarked := false
	topLevel := -1
	var preds, succs [MaxHeight]*lockedNode[K, V]

	for {
		foundLevel := m.find(key, preds[:], succs[:])
		if !isMarked {
			if foundLevel == -1 {
				return false
			}
			victim = succs[foundLevel]
			if !victim.fullyLinked.Load() || victim.marked.Load() || victim.topLevel != foundLevel {
				continue
			}
			topLevel = victim.topLevel
			victim.lock.Lock()
			if victim.marked.Load() {
				victim.lock.Unlock()
				return false
			}
			victim.marked.Store(true)
			isMarked = true
		}

		highestLocked := -1
		valid := true
		for level := 0; valid && level <= topLevel; level++ {
			pred := preds[level]
			pred.lock.Lock()
			highestLocked = level
			valid = !pred.marked.Load() && pred.next[level].Load() == victim
		}

		if !valid {
			for level := 0; level <= highestLocked; level++ {
				preds[level].lock.Unlock()
			}
			continue
		}

		for level := topLevel; level >= 0; level-- {
			preds[level].next[level].Store(victim.next[level].Load())
		}
		victim.lock.Unlock()
		for level := 0; level <= highestLocked; level++ {
			preds[level].lock.Unlock()
		}
		m.count.Add(-1)
		// Defer the victim's destruction until every in-flight Find,
		// Range, or EqualRange checkout that might still be holding it
		// has released, rather than handing it off the instant it is
		// physically unlinked.
		m.nodes.RegisterNodeToDelete(victim)
		return true
	}
}

// Range visits every live entry in ascending key order, stopping early if
// fn returns false.
func (m *LockedMap[K, V]) Range(fn func(key K, value V) bool) {
	m.nodes.AddCheckout()
	defer m.nodes.RemoveCheckout()
	curr := m.head.next[0].Load()
	for curr != m.tail {
		if curr.fullyLinked.Load() && !curr.marked.Load() {
			if !fn(curr.key, curr.value) {
				return
			}
		}
		curr = curr.next[0].Load()
	}
}

// Size returns the approximate number of live entries.
func (m *LockedMap[K, V]) Size() int { return int(m.count.Load()) }

// Empty reports whether the map currently holds no live entries.
func (m *LockedMap[K, V]) Empty() bool { return m.Size() == 0 }

// Clear discards every entry, relinking head directly to tail. It is not
// safe to call concurrently with any other method: the caller must
// externally quiesce the map first.
func (m *LockedMap[K, V]) Clear() {
	for i := range m.head.next {
		m.head.next[i].Store(m.tail)
	}
	m.count.Store(0)
}
