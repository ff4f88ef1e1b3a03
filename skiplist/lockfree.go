package skiplist

import (
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/joeycumines/stk/reclaim"
	"github.com/joeycumines/stk/tap"
)

type lfNode[K constraints.Ordered, V any] struct {
	key      K
	value    V
	topLevel int
	next     []tap.Markable[lfNode[K, V]]
}

// LockFreeMap is a lock-free ordered map using Harris & Michael's
// marked-pointer deletion technique applied at every skip list level: a
// node is first marked (logically deleted) on each of its levels from
// the top down, then physically unlinked by whichever goroutine next
// traverses past it.
type LockFreeMap[K constraints.Ordered, V any] struct {
	head, tail    *lfNode[K, V]
	selector      *levelSelector
	count         atomic.Int64
	allowMultiple bool
	nodes         *reclaim.NodeManager[lfNode[K, V]]
}

// NewLockFreeMap constructs an empty LockFreeMap. opts is optional; at
// most its first element is used.
func NewLockFreeMap[K constraints.Ordered, V any](opts ...Options) *LockFreeMap[K, V] {
	head := &lfNode[K, V]{next: make([]tap.Markable[lfNode[K, V]], MaxHeight), topLevel: MaxHeight - 1}
	tail := &lfNode[K, V]{next: make([]tap.Markable[lfNode[K, V]], MaxHeight), topLevel: MaxHeight - 1}
	for i := range head.next {
		head.next[i].Store(tail, false, tap.Release)
	}
	m := &LockFreeMap[K, V]{
		head:     head,
		tail:     tail,
		selector: newLevelSelector(),
		nodes:    reclaim.NewNodeManager(func(*lfNode[K, V]) {}),
	}
	if len(opts) > 0 {
		m.allowMultiple = opts[0].AllowMultipleKeys
	}
	return m
}

// find locates key's neighbors at every level, physically unlinking any
// marked (logically deleted) nodes it passes over along the way, and
// fills preds/succs. It returns whether a live node with exactly this
// key exists at level 0.
func (m *LockFreeMap[K, V]) find(key K, preds, succs []*lfNode[K, V]) bool {
retry:
	pred := m.head
	for level := MaxHeight - 1; level >= 0; level-- {
		curr, marked := pred.next[level].Load(tap.Acquire)
		for {
			if curr == m.tail {
				break
			}
			nextNode, nextMarked := curr.next[level].Load(tap.Acquire)
			if nextMarked {
				// curr is logically deleted at this level; help unlink it.
				if _, _, ok := pred.next[level].CompareAndSwapStrong(curr, marked, nextNode, false, tap.AcqRel); !ok {
					goto retry
				}
				curr, marked = nextNode, false
				continue
			}
			if less(curr.key, key) {
				pred = curr
				curr, marked = nextNode, nextMarked
				continue
			}
			break
		}
		preds[level] = pred
		succs[level] = curr
	}
	found := succs[0] != m.tail && succs[0].key == key
	return found
}

// Find returns the value stored for key, if any. It never helps unlink
// logically deleted nodes, so it is wait-free with respect to writers.
func (m *LockFreeMap[K, V]) Find(key K) (V, bool) {
	m.nodes.AddCheckout()
	defer m.nodes.RemoveCheckout()
	pred := m.head
	var curr *lfNode[K, V]
	for level := MaxHeight - 1; level >= 0; level-- {
		curr, _ = pred.next[level].Load(tap.Acquire)
		for curr != m.tail && less(curr.key, key) {
			pred = curr
			curr, _ = pred.next[level].Load(tap.Acquire)
		}
	}
	if curr != m.tail && curr.key == key {
		if _, marked := curr.next[0].Load(tap.Acquire); !marked {
			return curr.value, true
		}
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present.
func (m *LockFreeMap[K, V]) Contains(key K) bool {
	_, ok := m.Find(key)
	return ok
}

// EqualRange visits every live entry equal to key, in level-0 order,
// stopping early if fn returns false. With unique keys (the default) it
// visits at most one entry. It does not help unlink logically deleted
// nodes.
func (m *LockFreeMap[K, V]) EqualRange(key K, fn func(value V) bool) {
	m.nodes.AddCheckout()
	defer m.nodes.RemoveCheckout()
	pred := m.head
	var curr *lfNode[K, V]
	for level := MaxHeight - 1; level >= 0; level-- {
		curr, _ = pred.next[level].Load(tap.Acquire)
		for curr != m.tail && less(curr.key, key) {
			pred = curr
			curr, _ = pred.next[level].Load(tap.Acquire)
		}
	}
	for curr != m.tail && curr.key == key {
		next, marked := curr.next[0].Load(tap.Acquire)
		if !marked {
			if !fn(curr.value) {
				return
			}
		}
		curr = next
	}
}

// Insert adds key/value, reporting whether it inserted a new node. With
// unique keys (the default) an existing entry for key is left untouched.
// With AllowMultipleKeys, Insert always adds a new node alongside any
// existing entries for key.
func (m *LockFreeMap[K, V]) Insert(key K, value V) bool {
	topLevel := m.selector.randomLevel(MaxHeight - 1)
	var preds, succs [MaxHeight]*lfNode[K, V]

	for {
		if m.find(key, preds[:], succs[:]) && !m.allowMultiple {
			return false
		}

		node := &lfNode[K, V]{key: key, value: value, topLevel: topLevel, next: make([]tap.Markable[lfNode[K, V]], topLevel+1)}
		for level := 0; level <= topLevel; level++ {
			node.next[level].Store(succs[level], false, tap.Release)
		}

		if _, _, ok := preds[0].next[0].CompareAndSwapStrong(succs[0], false, node, false, tap.AcqRel); !ok {
			continue // lost the race at the bottom level; retry from scratch
		}

		for level := 1; level <= topLevel; level++ {
			for {
				if _, _, ok := preds[level].next[level].CompareAndSwapStrong(succs[level], false, node, false, tap.AcqRel); ok {
					break
				}
				m.find(key, preds[:], succs[:]) // refresh preds/succs, node is already visible at level 0
				node.next[level].Store(succs[level], false, tap.Release)
			}
		}
		m.count.Add(1)
		return true
	}
}

// Erase removes key if present, reporting whether it did so. Under
// AllowMultipleKeys it removes a single matching entry, not every one.
func (m *LockFreeMap[K, V]) Erase(key K) bool {
	var preds, succs [MaxHeight]*lfNode[K, V]
	if !m.find(key, preds[:], succs[:]) {
		return false
	}
	victim := succs[0]

	// mark every level from top to bottom so a concurrent find() never
	// observes victim reachable at a high level after it vanishes at
	// level 0.
	for level := victim.topLevel; level >= 1; level-- {
		for {
			next, isMarked := victim.next[level].Load(tap.Acquire)
			if isMarked {
				break
			}
			if _, _, ok := victim.next[level].CompareAndSwapStrong(next, false, next, true, tap.AcqRel); ok {
				break
			}
		}
	}

	for {
		next, isMarked := victim.next[0].Load(tap.Acquire)
		if isMarked {
			return false // another goroutine already deleted this key first
		}
		if _, _, ok := victim.next[0].CompareAndSwapStrong(next, false, next, true, tap.AcqRel); ok {
			break
		}
	}

	// help physically unlink immediately via a fresh find.
	m.find(key, preds[:], succs[:])
	m.count.Add(-1)
	// Defer the victim's destruction until every in-flight checkout
	// (Find, Range, EqualRange) that might still observe it has
	// released, rather than handing it off the instant it is unlinked.
	m.nodes.RegisterNodeToDelete(victim)
	return true
}

// Range visits every live entry in ascending key order, stopping early if
// fn returns false. It does not help unlink logically deleted nodes.
func (m *LockFreeMap[K, V]) Range(fn func(key K, value V) bool) {
	m.nodes.AddCheckout()
	defer m.nodes.RemoveCheckout()
	curr, _ := m.head.next[0].Load(tap.Acquire)
	for curr != m.tail {
		next, marked := curr.next[0].Load(tap.Acquire)
		if !marked {
			if !fn(curr.key, curr.value) {
				return
			}
		}
		curr = next
	}
}

// Size returns the approximate number of live entries.
func (m *LockFreeMap[K, V]) Size() int { return int(m.count.Load()) }

// Empty reports whether the map currently holds no live entries.
func (m *LockFreeMap[K, V]) Empty() bool { return m.Size() == 0 }

// Clear discards every entry, relinking head directly to tail. It is not
// safe to call concurrently with any other method: the caller must
// externally quiesce the map first.
func (m *LockFreeMap[K, V]) Clear() {
	for i := range m.head.next {
		m.head.next[i].Store(m.tail, false, tap.Release)
	}
	m.count.Store(0)
}
