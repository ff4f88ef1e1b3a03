package tap

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkable_LoadAfterStore(t *testing.T) {
	type widget struct{ n int }
	w := &widget{n: 7}
	m := &Markable[widget]{}

	m.Store(w, true, SeqCst)

	p, mark := m.Load(SeqCst)
	assert.Same(t, w, p)
	assert.True(t, mark)
}

func TestMarkable_CompareAndSwapStrong(t *testing.T) {
	type widget struct{ n int }
	a := &widget{n: 1}
	b := &widget{n: 2}
	m := NewMarkable(a, false)

	_, _, ok := m.CompareAndSwapStrong(a, false, b, true, SeqCst)
	require.True(t, ok)

	p, mark := m.Load(SeqCst)
	assert.Same(t, b, p)
	assert.True(t, mark)

	// stale expectation must fail and report the observed pair.
	observedPtr, observedMark, ok := m.CompareAndSwapStrong(a, false, a, false, SeqCst)
	assert.False(t, ok)
	assert.Same(t, b, observedPtr)
	assert.True(t, observedMark)
}

func TestMarkable_NilPointerAllowed(t *testing.T) {
	type widget struct{}
	m := NewMarkable[widget](nil, false)
	p, mark := m.Load(SeqCst)
	assert.Nil(t, p)
	assert.False(t, mark)
}

func TestMarkable_UnalignedPointerPanics(t *testing.T) {
	// one of two adjacent bytes always sits at an odd address.
	buf := make([]byte, 2)
	odd := &buf[0]
	if uintptr(unsafe.Pointer(odd))&1 == 0 {
		odd = &buf[1]
	}
	assert.Panics(t, func() {
		NewMarkable(odd, false)
	})
}

func TestMarkable_ConcurrentCAS(t *testing.T) {
	type counter struct{ n int }
	start := &counter{}
	m := NewMarkable(start, false)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	successes := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			next := &counter{n: 1}
			_, _, ok := m.CompareAndSwapStrong(start, false, next, false, SeqCst)
			successes <- ok
		}()
	}
	wg.Wait()
	close(successes)

	winners := 0
	for ok := range successes {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one CAS from the same expected pair must win")
}
