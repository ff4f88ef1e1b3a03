package cmap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_FindMissing(t *testing.T) {
	m := New[string](nil)
	_, ok := m.Find(42)
	assert.False(t, ok)
}

func TestMap_InsertOrFind(t *testing.T) {
	m := New[string](nil)

	v, inserted := m.InsertOrFind(1, "a")
	assert.True(t, inserted)
	assert.Equal(t, "a", v)

	v, inserted = m.InsertOrFind(1, "b")
	assert.False(t, inserted, "second call for the same key must not overwrite")
	assert.Equal(t, "a", v)

	got, ok := m.Find(1)
	require.True(t, ok)
	assert.Equal(t, "a", got)
}

func TestMap_Erase(t *testing.T) {
	m := New[string](nil)
	m.InsertOrFind(7, "x")

	var erasedVal string
	ok := m.Erase(7, func(v string) { erasedVal = v })
	assert.True(t, ok)
	m.qsbr.Flush()
	assert.Equal(t, "x", erasedVal)

	_, found := m.Find(7)
	assert.False(t, found)

	assert.False(t, m.Erase(7, nil), "erasing an absent key reports false")
}

func TestMap_EraseThenInsertReusesTombstone(t *testing.T) {
	m := New[string](nil)
	m.InsertOrFind(1, "a")
	before := len(m.cur.Load().buckets)

	m.Erase(1, nil)
	v, inserted := m.InsertOrFind(1, "b")
	assert.True(t, inserted)
	assert.Equal(t, "b", v)
	assert.Equal(t, before, len(m.cur.Load().buckets), "reinsert should reuse the tombstone slot rather than growing")
	assert.EqualValues(t, 0, m.tombstones.Load())
}

func TestMap_Assign(t *testing.T) {
	m := New[string](nil)
	m.Assign(1, "a")
	v, ok := m.Find(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	m.Assign(1, "b")
	v, ok = m.Find(1)
	require.True(t, ok)
	assert.Equal(t, "b", v, "Assign must overwrite an existing entry")
}

func TestMap_Clear(t *testing.T) {
	m := New[string](nil)
	m.InsertOrFind(1, "a")
	m.InsertOrFind(2, "b")
	m.Clear()
	assert.Equal(t, 0, m.Len())
	_, ok := m.Find(1)
	assert.False(t, ok)
}

func TestMap_QuiesceDrainsPendingErase(t *testing.T) {
	m := New[string](nil)
	m.InsertOrFind(1, "a")
	var erased bool
	m.Erase(1, func(string) { erased = true })
	m.Quiesce()
	assert.True(t, erased)
}

func TestMap_GrowsAcrossManyKeys(t *testing.T) {
	m := New[int](nil)
	const n = 5000
	for i := 0; i < n; i++ {
		_, inserted := m.InsertOrFind(uint64(i), i*2)
		require.True(t, inserted)
	}
	assert.Equal(t, n, m.Len())

	for i := 0; i < n; i++ {
		v, ok := m.Find(uint64(i))
		require.True(t, ok)
		assert.Equal(t, i*2, v)
	}
}

func TestMap_ForEachVisitsAllLive(t *testing.T) {
	m := New[int](nil)
	want := map[uint64]int{1: 10, 2: 20, 3: 30}
	for k, v := range want {
		m.InsertOrFind(k, v)
	}
	m.Erase(2, nil)
	delete(want, 2)

	got := map[uint64]int{}
	m.ForEach(func(k uint64, v int) { got[k] = v })
	assert.Equal(t, want, got)
}

func TestMap_ParallelInsertDistinctKeys(t *testing.T) {
	m := New[int](nil)
	const goroutines = 32
	const perGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	var totalInserted atomic.Int64
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := uint64(g*perGoroutine + i)
				if _, inserted := m.InsertOrFind(key, int(key)); inserted {
					totalInserted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, goroutines*perGoroutine, totalInserted.Load())
	assert.Equal(t, goroutines*perGoroutine, m.Len())
}

func TestMap_ParallelInsertSameKeyExactlyOneWinner(t *testing.T) {
	m := New[int](nil)
	const goroutines = 100

	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			_, inserted := m.InsertOrFind(99, g)
			if inserted {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Equal(t, 1, m.Len())
}
