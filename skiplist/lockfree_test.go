package skiplist

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFreeMap_InsertFindDelete(t *testing.T) {
	m := NewLockFreeMap[int, string]()

	require.True(t, m.Insert(5, "five"))
	require.False(t, m.Insert(5, "FIVE"))

	v, ok := m.Find(5)
	require.True(t, ok)
	assert.Equal(t, "five", v)

	require.True(t, m.Erase(5))
	_, ok = m.Find(5)
	assert.False(t, ok)
	assert.False(t, m.Erase(5))
}

func TestLockFreeMap_SizeEmptyClear(t *testing.T) {
	m := NewLockFreeMap[int, int]()
	assert.True(t, m.Empty())

	for i := 0; i < 5; i++ {
		m.Insert(i, i)
	}
	assert.Equal(t, 5, m.Size())

	m.Erase(0)
	assert.Equal(t, 4, m.Size())

	m.Clear()
	assert.True(t, m.Empty())
	_, ok := m.Find(1)
	assert.False(t, ok)
}

func TestLockFreeMap_AllowMultipleKeys(t *testing.T) {
	m := NewLockFreeMap[int, string](Options{AllowMultipleKeys: true})

	assert.True(t, m.Insert(1, "a"))
	assert.True(t, m.Insert(1, "b"))
	assert.Equal(t, 2, m.Size())

	var got []string
	m.EqualRange(1, func(v string) bool {
		got = append(got, v)
		return true
	})
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestLockFreeMap_RangeIsAscending(t *testing.T) {
	m := NewLockFreeMap[int, int]()
	values := []int{9, 3, 7, 1, 5, 2, 8, 4, 6}
	for _, v := range values {
		m.Insert(v, v*10)
	}

	var seen []int
	m.Range(func(k, v int) bool {
		seen = append(seen, k)
		assert.Equal(t, k*10, v)
		return true
	})
	assert.True(t, sort.IntsAreSorted(seen))
	assert.Len(t, seen, len(values))
}

func TestLockFreeMap_ParallelInsertDistinctKeys(t *testing.T) {
	m := NewLockFreeMap[int, int]()
	const goroutines = 32
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	var inserted atomic.Int64
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if m.Insert(g*perGoroutine+i, 1) {
					inserted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, goroutines*perGoroutine, inserted.Load())

	var count int
	m.Range(func(int, int) bool { count++; return true })
	assert.Equal(t, goroutines*perGoroutine, count)
}

func TestLockFreeMap_ParallelInsertSameKeyExactlyOneWinner(t *testing.T) {
	m := NewLockFreeMap[int, int]()
	const goroutines = 64

	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			if m.Insert(1, 1) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func TestLockFreeMap_ParallelInsertAndDelete(t *testing.T) {
	m := NewLockFreeMap[int, int]()
	const n = 1000
	for i := 0; i < n; i++ {
		require.True(t, m.Insert(i, i))
	}

	var wg sync.WaitGroup
	var deleted atomic.Int64
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Erase(i) {
				deleted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, n, deleted.Load())
	var count int
	m.Range(func(int, int) bool { count++; return true })
	assert.Equal(t, 0, count)
}
