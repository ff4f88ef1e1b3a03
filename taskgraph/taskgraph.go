// Package taskgraph builds dependency graphs of tasks on top of a
// threadpool.Pool: a task can depend on any number of parents and only
// becomes runnable once every parent has completed.
//
// Grounded on stk/thread/task_system.hpp: tasks carry a dependency
// countdown (deps) and a reference count (refs) guarding lifetime, parents
// accumulate "continuations" under a small lock until they seal on
// completion, and waiting on a task actively drains the pool's queues
// instead of blocking passively.
package taskgraph

import (
	"github.com/joeycumines/stk/internal/spinlock"
	"github.com/joeycumines/stk/internal/worklog"
	"github.com/joeycumines/stk/pool"
	"github.com/joeycumines/stk/threadpool"

	"sync/atomic"
)

// Task is a unit of work submitted to a Graph. Obtain one via
// Graph.Submit or Graph.SubmitAfter; do not construct or reuse one
// directly, and do not touch it after the Wait that releases it returns.
type Task struct {
	fn        func()
	deps      atomic.Int32
	refs      atomic.Int32
	completed atomic.Bool
	aborted   atomic.Bool
	contsLock spinlock.Lock
	conts     []*Task
	sealed    bool
}

// IsFinished reports whether the task ran to completion without panicking.
// A task that panicked is never finished, even once its continuations have
// all been scheduled; see IsAborted.
func (t *Task) IsFinished() bool { return t.completed.Load() }

// IsAborted reports whether the task's function panicked. Continuations of
// an aborted task still run, the same as for a finished one: only the
// dependency count matters for scheduling, not the outcome.
func (t *Task) IsAborted() bool { return t.aborted.Load() }

// Done reports whether the task has stopped running, finished or aborted.
func (t *Task) Done() bool { return t.completed.Load() || t.aborted.Load() }

// Config models optional configuration, for NewGraph.
type Config struct {
	// Logger receives recovered task-panic events.
	// Defaults to a disabled logger, if nil, or Config is nil.
	Logger *worklog.Logger
}

// Graph schedules Tasks onto a threadpool.Pool. The zero value is not
// usable; construct with NewGraph.
type Graph struct {
	pool  *threadpool.Pool
	tasks *pool.Pool[Task]
	log   *worklog.Logger
}

// NewGraph builds a Graph that schedules work onto p. The provided config
// may be nil.
func NewGraph(p *threadpool.Pool, config *Config) *Graph {
	g := &Graph{
		pool:  p,
		tasks: pool.NewPool[Task](pool.DefaultGrowth),
		log:   worklog.Nop(),
	}
	if config != nil && config.Logger != nil {
		g.log = config.Logger
	}
	return g
}

func (g *Graph) makeTask(fn func()) *Task {
	t := g.tasks.Get()
	t.fn = fn
	t.refs.Store(2) // the caller's own reference, released by Wait, plus the one execute releases
	t.completed.Store(false)
	t.aborted.Store(false)
	t.sealed = false
	return t
}

// Submit schedules fn to run as soon as a worker is free.
func (g *Graph) Submit(fn func()) *Task {
	t := g.makeTask(fn)
	g.enqueueReady(t)
	return t
}

// SubmitAfter schedules fn to run once every task in parents has
// completed. If parents is empty, fn is runnable immediately.
func (g *Graph) SubmitAfter(parents []*Task, fn func()) *Task {
	t := g.makeTask(fn)
	t.deps.Store(int32(len(parents)))
	for _, p := range parents {
		g.attachCont(p, t)
	}
	if len(parents) == 0 {
		g.enqueueReady(t)
	}
	return t
}

// attachCont registers child as a continuation of parent, firing
// immediately (as if parent had just completed) if parent already sealed
// before the attach could be recorded.
func (g *Graph) attachCont(parent, child *Task) {
	child.refs.Add(1)

	parent.contsLock.Lock()
	if !parent.sealed {
		parent.conts = append(parent.conts, child)
		parent.contsLock.Unlock()
		return
	}
	parent.contsLock.Unlock()

	g.fulfill(child)
}

// fulfill decrements child's dependency count, enqueueing it once it hits
// zero, then releases the continuation-list's reference to it.
func (g *Graph) fulfill(child *Task) {
	if child.deps.Add(-1) == 0 {
		g.enqueueReady(child)
	}
	g.release(child)
}

func (g *Graph) enqueueReady(t *Task) {
	g.pool.SendNoFuture(func() { g.execute(t) })
}

func (g *Graph) execute(t *Task) {
	g.runTask(t)

	t.contsLock.Lock()
	t.sealed = true
	local := t.conts
	t.conts = nil
	t.contsLock.Unlock()

	for _, c := range local {
		g.fulfill(c)
	}

	g.release(t)
}

// runTask runs t.fn, recovering and logging any panic so that a failing
// task still seals its continuations and releases its reference rather
// than deadlocking every descendant's Wait. t becomes aborted rather than
// finished when its function panics; either way its continuations still
// run, since only the dependency count gates scheduling.
func (g *Graph) runTask(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			t.aborted.Store(true)
			worklog.TaskPanicked(g.log, int(g.pool.GetThreadID()), r)
			return
		}
		t.completed.Store(true)
	}()
	t.fn()
}

func (g *Graph) release(t *Task) {
	if t.refs.Add(-1) == 0 {
		g.tasks.Put(t)
	}
}

// Wait blocks until every task in ts has completed and all of their
// continuations have been scheduled, participating in the pool's
// work-stealing loop while it waits rather than sitting idle. A task must
// not be waited on more than once, and must not be reused afterward.
func (g *Graph) Wait(ts ...*Task) {
	for _, t := range ts {
		g.waitOne(t)
	}
}

func (g *Graph) waitOne(t *Task) {
	g.pool.WaitFor(func() bool { return t.refs.Load() <= 1 })
	g.release(t)
}
