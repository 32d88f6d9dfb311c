package strand

import (
	"context"
	"time"
)

// scheduleTimer arms a one-shot timer through the dispatcher's own time
// source when it has one (virtual clocks), or the runtime clock otherwise.
func (t *Task) scheduleTimer(d time.Duration, fn func()) (cancel func()) {
	if ts, ok := t.dispatcher.(TimerScheduler); ok {
		return ts.ScheduleTimer(d, t.background, fn)
	}
	tm := time.AfterFunc(d, fn)
	return func() { tm.Stop() }
}

// Sleep parks the calling task for d without holding a worker. It returns
// ErrCancelled if the task is cancelled before or while sleeping. Outside a
// task it degrades to a plain timer wait against ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	t := runnableFrom(ctx)
	if t == nil {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := t.liveErr(); err != nil {
		return err
	}
	if d <= 0 {
		return Yield(ctx)
	}
	p := &park{t: t}
	stop := t.scheduleTimer(d, func() { p.resume(wakeEvent) })
	remove := t.token.OnCancelRequested(func() { p.resume(wakeCancel) })
	w := t.suspend(p)
	remove()
	if w == wakeCancel {
		stop()
		return ErrCancelled
	}
	return nil
}

// Yield sends the calling task to the back of its dispatcher's ready queue,
// giving other continuations a turn, and observes pending cancellation. It is
// the liveness check point for long CPU-bound loops.
func Yield(ctx context.Context) error {
	t := runnableFrom(ctx)
	if t == nil {
		return ctx.Err()
	}
	if err := t.liveErr(); err != nil {
		return err
	}
	p := &park{t: t}
	p.resume(wakeEvent)
	t.suspend(p)
	return t.liveErr()
}
