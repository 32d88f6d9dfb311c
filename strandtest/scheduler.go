// Package strandtest provides a deterministic, single-threaded scheduler with
// a virtual clock for testing strand-based code. Timers fire in virtual time,
// so tests over delays and timeouts run instantly and in a reproducible order.
//
// The intended shape of a test:
//
//	sched := strandtest.New()
//	scope := strand.NewRoot(ctx, sched, strand.FailFast)
//	scope.Go(worker)
//	sched.AdvanceUntilIdle()
//	err := scope.Wait()
//
// All continuations run inline on the goroutine that submitted the work or
// advanced the clock; there are no scheduler goroutines to leak.
package strandtest

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/NetPo4ki/go-strand/strand"
)

// epoch is the virtual clock's starting instant. An arbitrary fixed date keeps
// logged timestamps readable without tying tests to wall time.
var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Scheduler is a strand.Dispatcher with a virtual time source. Time stands
// still until AdvanceBy or AdvanceUntilIdle moves it; ready continuations run
// to their next suspension point before time moves again.
//
// A Scheduler must be driven from a single test goroutine. Submissions made
// while a drain is in progress are queued and picked up by the active drain,
// which is what keeps execution order deterministic.
type Scheduler struct {
	mu       sync.Mutex
	now      time.Time
	ready    []*strand.Continuation
	timers   timerHeap
	seq      uint64
	draining bool

	bgMu sync.Mutex
	bg   *strand.Scope
}

// New creates a scheduler with its clock at a fixed epoch.
func New() *Scheduler {
	return &Scheduler{now: epoch}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Elapsed returns how much virtual time has passed since the scheduler was
// created.
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now.Sub(epoch)
}

// Submit enqueues a continuation and, unless a drain is already running,
// drains the ready queue on the calling goroutine.
func (s *Scheduler) Submit(c *strand.Continuation) {
	s.mu.Lock()
	s.ready = append(s.ready, c)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	s.drain()
}

// ScheduleTimer registers fn to run after d of virtual time. Background
// entries do not count toward idleness, so a periodic background loop never
// keeps AdvanceUntilIdle from returning.
func (s *Scheduler) ScheduleTimer(d time.Duration, background bool, fn func()) (cancel func()) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.seq++
	e := &timerEntry{
		at:         s.now.Add(d),
		seq:        s.seq,
		background: background,
		fn:         fn,
	}
	heap.Push(&s.timers, e)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if !e.cancelled {
			e.cancelled = true
			if e.index >= 0 {
				heap.Remove(&s.timers, e.index)
			}
		}
		s.mu.Unlock()
	}
}

// Run spawns body in a fresh fail-fast root scope on the scheduler, drives
// virtual time until the scope is idle, and returns the scope's outcome.
func (s *Scheduler) Run(body func(ctx context.Context) error) error {
	root := strand.NewRoot(context.Background(), s, strand.FailFast)
	root.Go(body)
	s.AdvanceUntilIdle()
	return root.Wait()
}

// BackgroundScope returns the scheduler's designated background scope,
// creating it on first use. Timers armed by its tasks never keep
// AdvanceUntilIdle from returning. Stop it with StopBackground before the
// leak check.
func (s *Scheduler) BackgroundScope() *strand.Scope {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.bg == nil {
		s.bg = strand.NewRoot(context.Background(), s, strand.Supervisor,
			strand.WithBackground(), strand.WithScopeName("background"))
	}
	return s.bg
}

// StopBackground cancels the background scope, if any, and waits for its
// tasks to wind down. Parked background work wakes through the ready queue,
// so no clock advance is needed.
func (s *Scheduler) StopBackground() {
	s.bgMu.Lock()
	bg := s.bg
	s.bg = nil
	s.bgMu.Unlock()
	if bg == nil {
		return
	}
	bg.Cancel(nil)
	s.RunUntilIdle()
	_ = bg.Wait()
}

// PendingTimers returns the number of timers that have not yet fired or been
// cancelled.
func (s *Scheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.timers {
		if !e.cancelled {
			n++
		}
	}
	return n
}

// AdvanceBy moves the virtual clock forward by d, firing every timer whose
// deadline falls inside the window in deadline order. Ties fire in the order
// they were scheduled. Work woken by a timer runs to its next suspension
// point before the next timer fires.
func (s *Scheduler) AdvanceBy(d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	target := s.now.Add(d)
	s.runLocked(target)
	s.now = target
	s.mu.Unlock()
}

// AdvanceUntilIdle runs ready work and fires timers until nothing remains but
// background entries, jumping the clock straight to each next deadline. It
// returns the amount of virtual time that passed.
func (s *Scheduler) AdvanceUntilIdle() time.Duration {
	s.mu.Lock()
	start := s.now
	for {
		s.runLocked(s.now)
		e := s.earliestForeground()
		if e == nil {
			break
		}
		s.runLocked(e.at)
		if e.at.After(s.now) {
			s.now = e.at
		}
	}
	elapsed := s.now.Sub(start)
	s.mu.Unlock()
	return elapsed
}

// RunUntilIdle drains ready work and zero-delay timers without moving the
// clock.
func (s *Scheduler) RunUntilIdle() {
	s.mu.Lock()
	s.runLocked(s.now)
	s.mu.Unlock()
}

// runLocked fires every timer due at or before target, in (deadline, seq)
// order, draining the ready queue before and after each one. The clock
// tracks each fired timer's deadline so work it wakes observes a consistent
// Now. Called with mu held; releases and reacquires it around user code.
func (s *Scheduler) runLocked(target time.Time) {
	wasDraining := s.draining
	s.draining = true
	for {
		s.drainLocked()
		e := s.popDue(target)
		if e == nil {
			break
		}
		if e.at.After(s.now) {
			s.now = e.at
		}
		s.mu.Unlock()
		e.fn()
		s.mu.Lock()
	}
	s.draining = wasDraining
}

func (s *Scheduler) drain() {
	s.mu.Lock()
	s.drainLocked()
	s.draining = false
	s.mu.Unlock()
}

// drainLocked runs ready continuations FIFO until the queue is empty. Each
// Run may enqueue more; those run in the same pass.
func (s *Scheduler) drainLocked() {
	for len(s.ready) > 0 {
		c := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		s.mu.Unlock()
		c.Run()
		s.mu.Lock()
	}
}

// popDue removes and returns the earliest timer due at or before target,
// skipping cancelled entries, or nil if none is due.
func (s *Scheduler) popDue(target time.Time) *timerEntry {
	for s.timers.Len() > 0 {
		e := s.timers[0]
		if e.at.After(target) {
			return nil
		}
		heap.Pop(&s.timers)
		if e.cancelled {
			continue
		}
		return e
	}
	return nil
}

// earliestForeground returns the soonest non-background, non-cancelled timer
// without removing it, or nil when only background work remains.
func (s *Scheduler) earliestForeground() *timerEntry {
	var best *timerEntry
	for _, e := range s.timers {
		if e.cancelled || e.background {
			continue
		}
		if best == nil || e.at.Before(best.at) || (e.at.Equal(best.at) && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

type timerEntry struct {
	at         time.Time
	seq        uint64
	background bool
	fn         func()
	cancelled  bool
	index      int // heap position; -1 once removed
}

// timerHeap orders entries by deadline, breaking ties by scheduling order.
// Entries track their position so cancellation can remove them in place.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
