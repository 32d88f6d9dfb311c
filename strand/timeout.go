package strand

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// WithTimeout races body against a timer. The body runs as a child task of
// the caller; whichever side finishes first cancels the other. A timer win
// surfaces as *TimeoutError at this call site only — it is a cancellation
// subtype, so returning it from the enclosing body does not escalate as an
// ordinary failure. The body's own failure is returned here and counts as
// handled.
func WithTimeout(ctx context.Context, d time.Duration, body func(ctx context.Context) error) error {
	caller := runnableFrom(ctx)
	if caller == nil {
		return timeoutDirect(ctx, d, body)
	}

	host := caller.scope
	t, err := newTask(host, caller, body, spawnConfig{})
	if err != nil {
		return err
	}
	t.supervisedEdge = true // outcome is consumed right here
	t.awaitable = true

	var timedOut atomic.Bool
	stop := caller.scheduleTimer(d, func() {
		timedOut.Store(true)
		t.Cancel()
	})
	t.Start()
	t.joinSilent(caller)
	stop()
	t.markObserved()

	switch {
	case t.IsCompleted():
		// The body beat the timer, even if it fired during wind-down.
		return nil
	case t.failureCause() != nil:
		return t.failureCause()
	case timedOut.Load():
		return &TimeoutError{After: d}
	default:
		// Cancelled from outside the race (the caller's own cancellation
		// fanned out into the child).
		return ErrCancelled
	}
}

// timeoutDirect serves callers outside any task with plain context plumbing.
func timeoutDirect(ctx context.Context, d time.Duration, body func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := body(tctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{After: d}
	}
	return err
}
