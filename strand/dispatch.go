package strand

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Continuation is a resumable unit of work: a task plus "resume from here"
// state. A dispatcher worker calls Run, which drives the task until it parks
// at its next suspension point or terminates. A Continuation is single-use.
type Continuation struct {
	task  *Task
	after func()
}

// Run resumes the task on the calling worker. It returns once the task has
// parked again or reached a terminal state; the worker is never held across a
// suspension.
func (c *Continuation) Run() {
	t := c.task
	if t.begun.CompareAndSwap(false, true) {
		go t.loop()
	}
	t.resumeCh <- struct{}{}
	<-t.stepCh
	if c.after != nil {
		c.after()
	}
}

// Background reports whether the task belongs to a background scope. Test
// schedulers use it to exclude background work from idle detection.
func (c *Continuation) Background() bool { return c.task.background }

// Dispatcher binds continuations to worker execution. Submit must not block
// and must be safe for concurrent use; it is called from task bodies, timer
// callbacks and the propagator alike.
type Dispatcher interface {
	Submit(c *Continuation)
}

// TimerScheduler is implemented by dispatchers that own their time source,
// such as the virtual-clock scheduler in strandtest. Dispatchers that do not
// implement it get real-time delays via time.AfterFunc.
type TimerScheduler interface {
	// ScheduleTimer runs fn once after d. Background entries must not keep a
	// test scheduler from going idle. The returned function cancels the timer
	// if it has not fired yet.
	ScheduleTimer(d time.Duration, background bool, fn func()) (cancel func())
}

// PoolDispatcher runs continuations on a fixed set of worker goroutines
// behind a FIFO ready queue. The zero value is not usable; construct with
// NewPool or NewSingleWorker.
type PoolDispatcher struct {
	name    string
	workers int

	mu    sync.Mutex
	queue []*Continuation

	signal chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	started      atomic.Bool
	shuttingDown atomic.Bool
	active       atomic.Int32

	log Logger
}

// NewPool creates a dispatcher with n workers. n <= 0 means GOMAXPROCS.
// Workers start on the first Submit; call Shutdown or Drain when done.
func NewPool(name string, n int) *PoolDispatcher {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &PoolDispatcher{
		name:    name,
		workers: n,
		signal:  make(chan struct{}, n*2),
		log:     NewNoOpLogger(),
	}
}

// NewSingleWorker creates a single-worker dispatcher. All its continuations
// are confined to one worker, so state touched only from its own tasks needs
// no locking.
func NewSingleWorker(name string) *PoolDispatcher { return NewPool(name, 1) }

// Start launches the workers. It is idempotent; Submit calls it implicitly.
func (d *PoolDispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(d.ctx)
	}
}

// Submit enqueues a continuation. Submissions after shutdown are not queued;
// their tasks are cancelled and resumed once so the parked body can unwind.
func (d *PoolDispatcher) Submit(c *Continuation) {
	if d.shuttingDown.Load() {
		d.log.Warn("continuation rejected after shutdown", F("dispatcher", d.name))
		d.discard(c)
		return
	}
	d.Start()
	d.mu.Lock()
	d.queue = append(d.queue, c)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
		// Queue is non-empty and at least one wakeup token is pending, so a
		// worker will find this entry on its next pass.
	}
}

func (d *PoolDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		if c := d.pop(); c != nil {
			d.active.Add(1)
			c.Run()
			d.active.Add(-1)
			continue
		}
		select {
		case <-d.signal:
		case <-ctx.Done():
			return
		}
	}
}

func (d *PoolDispatcher) takeQueue() []*Continuation {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// discard resumes a continuation that will never get a worker. The task is
// cancelled first so the body observes the cancellation at its suspension
// point and unwinds rather than leaking its goroutine. The resume runs on its
// own goroutine because Submit may be called from the parked task itself.
func (d *PoolDispatcher) discard(c *Continuation) {
	c.task.Cancel()
	go c.Run()
}

func (d *PoolDispatcher) pop() *Continuation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	c := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return c
}

// QueuedCount returns the number of continuations waiting for a worker.
func (d *PoolDispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// ActiveCount returns the number of continuations currently running.
func (d *PoolDispatcher) ActiveCount() int { return int(d.active.Load()) }

// WorkerCount returns the configured worker count.
func (d *PoolDispatcher) WorkerCount() int { return d.workers }

// Shutdown stops the pool immediately: no new submissions, the ready queue is
// discarded, and workers exit after their current continuation. Queued tasks
// are cancelled and resumed once so their parked bodies unwind.
func (d *PoolDispatcher) Shutdown() {
	d.shuttingDown.Store(true)
	d.stop()
	for _, c := range d.takeQueue() {
		d.discard(c)
	}
}

// Drain stops accepting new work and waits until the queue is empty and all
// workers are idle, then stops them. It returns an error if that does not
// happen within timeout; the remaining queue is cleared in that case.
func (d *PoolDispatcher) Drain(timeout time.Duration) error {
	d.shuttingDown.Store(true)
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			d.stop()
			for _, c := range d.takeQueue() {
				d.discard(c)
			}
			return fmt.Errorf("strand: dispatcher %q drain timed out after %v", d.name, timeout)
		case <-tick.C:
			if d.QueuedCount() == 0 && d.ActiveCount() == 0 {
				d.stop()
				return nil
			}
		}
	}
}

func (d *PoolDispatcher) stop() {
	if !d.started.Load() {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// The process-wide shared pool. Scopes that are constructed with a nil
// dispatcher run on it. It is created and started exactly once, on first use;
// tests that need isolation inject their own dispatcher instead.
var (
	defaultMu   sync.Mutex
	defaultPool *PoolDispatcher
)

// DefaultPool returns the shared pool, creating and starting it on first use.
func DefaultPool() *PoolDispatcher {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool == nil {
		defaultPool = NewPool("strand-default", 0)
		defaultPool.Start()
	}
	return defaultPool
}

// ShutdownDefaultPool drains the shared pool and clears the singleton. The
// next DefaultPool call creates a fresh one.
func ShutdownDefaultPool(timeout time.Duration) error {
	defaultMu.Lock()
	d := defaultPool
	defaultPool = nil
	defaultMu.Unlock()
	if d == nil {
		return nil
	}
	return d.Drain(timeout)
}
