package strand

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limited returns a view of d that caps concurrently-running continuations at
// n. The view shares d's workers; admission is a semaphore in front of the
// shared queue, so no new workers are created. A task parked at a suspension
// point does not hold a slot. n <= 0 returns d unchanged.
func Limited(d Dispatcher, n int64) Dispatcher {
	if n <= 0 {
		return d
	}
	return &limitedDispatcher{inner: d, sem: semaphore.NewWeighted(n)}
}

type limitedDispatcher struct {
	inner Dispatcher
	sem   *semaphore.Weighted

	mu    sync.Mutex
	queue []*Continuation
}

func (l *limitedDispatcher) Submit(c *Continuation) {
	l.mu.Lock()
	l.queue = append(l.queue, c)
	l.mu.Unlock()
	l.pump()
}

// pump moves queued continuations to the inner dispatcher while admission
// slots are available. Each admitted continuation releases its slot when its
// step finishes, then pumps again.
func (l *limitedDispatcher) pump() {
	for l.sem.TryAcquire(1) {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			l.sem.Release(1)
			return
		}
		c := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		prev := c.after
		c.after = func() {
			if prev != nil {
				prev()
			}
			l.sem.Release(1)
			l.pump()
		}
		l.inner.Submit(c)
	}
}

// ScheduleTimer delegates to the inner dispatcher's time source when it has
// one; timers do not consume admission slots.
func (l *limitedDispatcher) ScheduleTimer(d time.Duration, background bool, fn func()) (cancel func()) {
	if ts, ok := l.inner.(TimerScheduler); ok {
		return ts.ScheduleTimer(d, background, fn)
	}
	tm := time.AfterFunc(d, fn)
	return func() { tm.Stop() }
}
