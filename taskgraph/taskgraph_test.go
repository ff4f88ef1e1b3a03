package taskgraph

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/stk/threadpool"
)

func newGraph(t *testing.T, workers int) (*Graph, *threadpool.Pool) {
	t.Helper()
	p := threadpool.New(workers, nil)
	t.Cleanup(p.Shutdown)
	return NewGraph(p, nil), p
}

func TestGraph_SubmitRunsTask(t *testing.T) {
	g, _ := newGraph(t, 4)
	done := make(chan struct{})
	tk := g.Submit(func() { close(done) })
	// wait on a continuation rather than on tk itself, so tk is not released
	// (and its slot recycled) before Done is read.
	after := g.SubmitAfter([]*Task{tk}, func() {})
	g.Wait(after)
	<-done
	assert.True(t, tk.Done())
}

func TestGraph_SubmitAfterWaitsForParent(t *testing.T) {
	g, _ := newGraph(t, 4)

	var order []int
	first := g.Submit(func() { order = append(order, 1) })
	second := g.SubmitAfter([]*Task{first}, func() { order = append(order, 2) })
	g.Wait(second)

	require.Equal(t, []int{1, 2}, order)
}

func TestGraph_SubmitAfterMultipleParents(t *testing.T) {
	g, _ := newGraph(t, 4)

	var completed atomic.Int32
	parents := make([]*Task, 10)
	for i := range parents {
		parents[i] = g.Submit(func() { completed.Add(1) })
	}
	child := g.SubmitAfter(parents, func() {
		require.EqualValues(t, 10, completed.Load(), "child ran before all parents completed")
	})
	g.Wait(child)
}

func TestGraph_SubmitAfterEmptyParentsRunsImmediately(t *testing.T) {
	g, _ := newGraph(t, 2)
	done := make(chan struct{})
	tk := g.SubmitAfter(nil, func() { close(done) })
	g.Wait(tk)
	<-done
}

func TestGraph_DiamondDependency(t *testing.T) {
	g, _ := newGraph(t, 4)

	var aDone, bDone, cDone atomic.Bool
	a := g.Submit(func() { aDone.Store(true) })
	b := g.SubmitAfter([]*Task{a}, func() {
		require.True(t, aDone.Load())
		bDone.Store(true)
	})
	c := g.SubmitAfter([]*Task{a}, func() {
		require.True(t, aDone.Load())
		cDone.Store(true)
	})
	d := g.SubmitAfter([]*Task{b, c}, func() {
		require.True(t, bDone.Load())
		require.True(t, cDone.Load())
	})
	g.Wait(d)
}

func TestGraph_ManyIndependentTasks(t *testing.T) {
	g, _ := newGraph(t, 8)
	const n = 500
	var count atomic.Int64
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = g.Submit(func() { count.Add(1) })
	}
	g.Wait(tasks...)
	assert.EqualValues(t, n, count.Load())
}

func TestGraph_PanicInTaskStillRunsContinuations(t *testing.T) {
	g, _ := newGraph(t, 4)

	var childRan atomic.Bool
	parent := g.Submit(func() { panic("boom") })
	child := g.SubmitAfter([]*Task{parent}, func() { childRan.Store(true) })
	g.Wait(child)

	assert.True(t, childRan.Load(), "child should still run after parent panicked")
	assert.True(t, parent.IsAborted())
	assert.False(t, parent.IsFinished())
	assert.True(t, parent.Done())
}

func TestGraph_ReusesTaskSlotsAfterRelease(t *testing.T) {
	g, _ := newGraph(t, 2)
	// more submissions than the 100-slot first block of pool.DefaultGrowth,
	// so a pool that did not recycle would have to grow past this count.
	const n = 500
	for i := 0; i < n; i++ {
		tk := g.Submit(func() {})
		g.Wait(tk)
	}
	// the pool should have recycled slots rather than growing unboundedly
	assert.Less(t, g.tasks.SizeElements(), n)
}
