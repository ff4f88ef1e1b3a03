// Package threadpool implements a work-stealing worker pool: each worker
// owns a local queue of tasks and only reaches for another worker's queue
// when its own runs dry.
//
// Grounded on stk/thread/pool_work_stealing.hpp (boost::fibers::algo
// scheduling algorithm: awakened/steal/pick_next/suspend_until/notify) and
// stk/thread/thread_pool.hpp (the send/send_no_future/wait_or_work/
// parallel_for/parallel_apply/get_thread_id surface). Index 0 of the queue
// set is reserved for tasks submitted from outside the pool, mirroring the
// "index 0 is reserved for tasks created/executed outside the pool"
// convention in stk/thread/task_system.hpp.
package threadpool

import (
	"bytes"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/stk/internal/spinlock"
	"github.com/joeycumines/stk/internal/worklog"
)

const idleSpinLimit = 100

// localQueue is a spinlock-guarded double-ended queue of pending tasks. The
// owning worker pushes and pops its own back; stealers take from the front.
type localQueue struct {
	lock  spinlock.Lock
	tasks []func()
}

func (q *localQueue) pushBack(fn func()) {
	q.lock.Lock()
	q.tasks = append(q.tasks, fn)
	q.lock.Unlock()
}

func (q *localQueue) popBack() (func(), bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := len(q.tasks)
	if n == 0 {
		return nil, false
	}
	fn := q.tasks[n-1]
	q.tasks[n-1] = nil
	q.tasks = q.tasks[:n-1]
	return fn, true
}

func (q *localQueue) steal() (func(), bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := len(q.tasks)
	if n == 0 {
		return nil, false
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

// Config models optional configuration, for New.
type Config struct {
	// OnThreadStart, if set, runs once on every worker goroutine before it
	// begins picking up tasks.
	// Defaults to a no-op, if nil, or Config is nil.
	OnThreadStart func()

	// OnThreadStop, if set, runs once on every worker goroutine after it has
	// stopped picking up tasks, during shutdown.
	// Defaults to a no-op, if nil, or Config is nil.
	OnThreadStop func()

	// Logger receives worker lifecycle and recovered-panic events.
	// Defaults to a disabled logger, if nil, or Config is nil.
	Logger *worklog.Logger
}

// Pool is a fixed-size work-stealing worker pool. The zero value is not
// usable; construct with New.
type Pool struct {
	queues  []*localQueue // queues[0] is the external injector; queues[1:n+1] are workers
	n       int
	done    atomic.Bool
	active  atomic.Int64
	nAlive  atomic.Int64
	mu      sync.Mutex
	cond    *sync.Cond
	wg      sync.WaitGroup
	onStart func()
	onStop  func()
	log     *worklog.Logger

	idMu sync.Mutex
	ids  map[int64]uint32
}

// New starts a Pool with n worker goroutines. n must be at least 1. The
// provided config may be nil.
func New(n int, config *Config) *Pool {
	if n < 1 {
		panic("threadpool: n must be at least 1")
	}
	p := &Pool{
		queues: make([]*localQueue, n+1),
		n:      n,
		ids:    make(map[int64]uint32),
		log:    worklog.Nop(),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.queues {
		p.queues[i] = &localQueue{}
	}
	if config != nil {
		p.onStart = config.OnThreadStart
		p.onStop = config.OnThreadStop
		if config.Logger != nil {
			p.log = config.Logger
		}
	}
	p.wg.Add(n)
	for i := 1; i <= n; i++ {
		go p.workerLoop(i)
	}
	for p.nAlive.Load() != int64(n) {
		runtime.Gosched()
	}
	return p
}

// NumThreads returns the number of live worker goroutines.
func (p *Pool) NumThreads() int { return int(p.nAlive.Load()) }

// Shutdown signals every worker to stop after draining in-flight work and
// blocks until all worker goroutines have exited. Tasks still queued when
// Shutdown is called are abandoned.
func (p *Pool) Shutdown() {
	p.done.Store(true)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// GetThreadID returns the calling goroutine's worker index in [1, N] if it
// is currently executing as one of the pool's workers, or 0 otherwise
// (matching the convention that 0 denotes a thread outside the pool, e.g.
// the caller that constructed it). Identity is tracked best-effort via the
// goroutine's runtime-assigned id, since Go has no first-class thread-local
// storage.
func (p *Pool) GetThreadID() uint32 {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	return p.ids[goroutineID()]
}

func (p *Pool) registerSelf(id int) {
	p.idMu.Lock()
	p.ids[goroutineID()] = uint32(id)
	p.idMu.Unlock()
}

func (p *Pool) unregisterSelf() {
	gid := goroutineID()
	p.idMu.Lock()
	delete(p.ids, gid)
	p.idMu.Unlock()
}

func (p *Pool) pickNext(id int) (func(), bool) {
	if id >= 1 {
		if fn, ok := p.queues[id].popBack(); ok {
			return fn, true
		}
	}
	if fn, ok := p.queues[0].steal(); ok {
		return fn, true
	}
	start := rand.Intn(p.n)
	for i := 0; i < p.n; i++ {
		victim := 1 + (start+i)%p.n
		if victim == id {
			continue
		}
		if fn, ok := p.queues[victim].steal(); ok {
			worklog.StealAttempted(p.log, id, victim)
			return fn, true
		}
	}
	return nil, false
}

func (p *Pool) runTask(id int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			worklog.TaskPanicked(p.log, id, r)
		}
	}()
	fn()
}

func (p *Pool) hasWork() bool {
	for _, q := range p.queues {
		q.lock.Lock()
		n := len(q.tasks)
		q.lock.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

func (p *Pool) workerLoop(id int) {
	if p.onStart != nil {
		p.onStart()
	}
	p.registerSelf(id)
	p.nAlive.Add(1)
	p.active.Add(1)
	worklog.WorkerStarted(p.log, id)
	defer func() {
		p.active.Add(-1)
		p.nAlive.Add(-1)
		p.unregisterSelf()
		if p.onStop != nil {
			p.onStop()
		}
		worklog.WorkerStopped(p.log, id)
		p.wg.Done()
	}()

	spin := 0
	for {
		if p.done.Load() {
			return
		}
		if fn, ok := p.pickNext(id); ok {
			spin = 0
			p.runTask(id, fn)
			continue
		}
		if spin++; spin < idleSpinLimit {
			runtime.Gosched()
			continue
		}
		p.active.Add(-1)
		p.idleWait()
		p.active.Add(1)
		spin = 0
	}
}

func (p *Pool) idleWait() {
	p.mu.Lock()
	for !p.done.Load() && !p.hasWork() {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Pool) enqueue(fn func()) {
	id := int(p.GetThreadID())
	p.queues[id].pushBack(fn)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// SendNoFuture submits fn to run on the pool without a way to observe its
// completion or result.
func (p *Pool) SendNoFuture(fn func()) { p.enqueue(fn) }

// Future is a pending result of a task submitted via Send.
type Future[T any] struct {
	done chan struct{}
	val  T
}

// Ready reports whether the task has finished.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task completes and returns its result.
func (f *Future[T]) Wait() T {
	<-f.done
	return f.val
}

// Send submits action to run on the pool and returns a Future for its
// result.
func Send[T any](p *Pool, action func() T) *Future[T] {
	fut := &Future[T]{done: make(chan struct{})}
	p.enqueue(func() {
		fut.val = action()
		close(fut.done)
	})
	return fut
}

// DoWork executes a single queued task on the calling goroutine, if one is
// available anywhere in the pool, reporting whether it found work. It lets
// a non-worker goroutine waiting on external progress (e.g. a task graph's
// Wait) participate in the pool instead of idling.
func (p *Pool) DoWork() bool { return p.tryWorkOne() }

// tryWorkOne executes a single queued task on the calling goroutine, if one
// is available anywhere in the pool, reporting whether it found work.
func (p *Pool) tryWorkOne() bool {
	id := int(p.GetThreadID())
	fn, ok := p.pickNext(id)
	if !ok {
		return false
	}
	p.runTask(id, fn)
	return true
}

// WaitFor blocks the calling goroutine until pred reports true, executing
// queued pool tasks in the meantime so it makes progress rather than
// idling.
func (p *Pool) WaitFor(pred func() bool) {
	for !pred() {
		if !p.tryWorkOne() {
			runtime.Gosched()
		}
	}
}

// WaitOrWork blocks until every future in fs is ready, executing queued
// pool tasks on the calling goroutine while it waits.
func WaitOrWork[T any](p *Pool, fs []*Future[T]) {
	for _, f := range fs {
		for !f.Ready() {
			if !p.tryWorkOne() {
				runtime.Gosched()
			}
		}
	}
}

func partitionRange(n, parts int) [][2]int {
	if n <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	base, rem := n/parts, n%parts
	bounds := make([][2]int, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < rem {
			size++
		}
		end := start + size
		bounds = append(bounds, [2]int{start, end})
		start = end
	}
	return bounds
}

func (p *Pool) defaultPartitions() int {
	n := p.NumThreads()
	if n < 2 {
		return 1
	}
	return n * (n - 1)
}

// ParallelFor partitions items across the pool's workers and applies fn to
// each element, blocking until every partition has completed. The calling
// goroutine blocks on the join; the per-partition waiter goroutines run
// pool work while they wait.
func ParallelFor[T any](p *Pool, items []T, fn func(T)) {
	ParallelForN(p, items, fn, p.defaultPartitions())
}

// ParallelForN is ParallelFor with an explicit partition count. Each
// partition's wait is tracked by an errgroup.Group so callers joining late
// see the first panic/early-return surfaced cleanly, even though the work
// functions themselves never fail.
func ParallelForN[T any](p *Pool, items []T, fn func(T), partitions int) {
	bounds := partitionRange(len(items), partitions)
	var g errgroup.Group
	for _, b := range bounds {
		from, to := b[0], b[1]
		g.Go(func() error {
			fut := Send(p, func() struct{} {
				for i := from; i < to; i++ {
					fn(items[i])
				}
				return struct{}{}
			})
			for !fut.Ready() {
				if !p.tryWorkOne() {
					runtime.Gosched()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ParallelApply partitions [0, count) across the pool's workers and applies
// fn to each index, blocking until every partition has completed.
func ParallelApply(p *Pool, count int, fn func(int)) {
	ParallelApplyN(p, count, fn, p.defaultPartitions())
}

// ParallelApplyN is ParallelApply with an explicit partition count.
func ParallelApplyN(p *Pool, count int, fn func(int), partitions int) {
	bounds := partitionRange(count, partitions)
	var g errgroup.Group
	for _, b := range bounds {
		from, to := b[0], b[1]
		g.Go(func() error {
			fut := Send(p, func() struct{} {
				for i := from; i < to; i++ {
					fn(i)
				}
				return struct{}{}
			})
			for !fut.Ready() {
				if !p.tryWorkOne() {
					runtime.Gosched()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
