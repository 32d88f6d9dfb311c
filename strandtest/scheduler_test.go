package strandtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NetPo4ki/go-strand/strand"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAdvanceByFiresTimersInVirtualTime(t *testing.T) {
	sched := New()
	s := strand.NewRoot(context.Background(), sched, strand.FailFast)

	var marks []time.Duration
	s.Go(func(ctx context.Context) error {
		if err := strand.Sleep(ctx, 5*time.Second); err != nil {
			return err
		}
		marks = append(marks, sched.Elapsed())
		if err := strand.Sleep(ctx, 6*time.Second); err != nil {
			return err
		}
		marks = append(marks, sched.Elapsed())
		return nil
	})

	sched.AdvanceBy(5 * time.Second)
	require.Equal(t, []time.Duration{5 * time.Second}, marks)

	advanced := sched.AdvanceUntilIdle()
	require.Equal(t, 6*time.Second, advanced)
	require.Equal(t, []time.Duration{5 * time.Second, 11 * time.Second}, marks)
	require.Equal(t, 11*time.Second, sched.Elapsed())
	require.NoError(t, s.Wait())
}

func TestEqualDeadlinesFireInSchedulingOrder(t *testing.T) {
	sched := New()
	s := strand.NewRoot(context.Background(), sched, strand.FailFast)

	var order []int
	for i := 0; i < 5; i++ {
		s.Go(func(ctx context.Context) error {
			if err := strand.Sleep(ctx, time.Second); err != nil {
				return err
			}
			order = append(order, i)
			return nil
		})
	}
	sched.AdvanceBy(time.Second)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.NoError(t, s.Wait())
}

func TestChainedTimersFireExactly(t *testing.T) {
	sched := New()
	s := strand.NewRoot(context.Background(), sched, strand.FailFast)

	ticks := 0
	s.Go(func(ctx context.Context) error {
		for i := 0; i < 10; i++ {
			if err := strand.Sleep(ctx, time.Second); err != nil {
				return err
			}
			ticks++
		}
		return nil
	})

	sched.AdvanceBy(3 * time.Second)
	require.Equal(t, 3, ticks)
	sched.AdvanceBy(500 * time.Millisecond)
	require.Equal(t, 3, ticks)
	sched.AdvanceBy(6500 * time.Millisecond)
	require.Equal(t, 10, ticks)
	require.NoError(t, s.Wait())
}

func TestBackgroundWorkDoesNotBlockIdle(t *testing.T) {
	sched := New()
	s := strand.NewRoot(context.Background(), sched, strand.FailFast)
	bg, err := s.Child(strand.Supervisor, strand.WithBackground())
	require.NoError(t, err)

	bgTicks := 0
	bg.Go(func(ctx context.Context) error {
		for {
			if err := strand.Sleep(ctx, time.Second); err != nil {
				return err
			}
			bgTicks++
		}
	})
	var fgDone bool
	s.Go(func(ctx context.Context) error {
		if err := strand.Sleep(ctx, 3*time.Second); err != nil {
			return err
		}
		fgDone = true
		return nil
	})

	advanced := sched.AdvanceUntilIdle()
	require.Equal(t, 3*time.Second, advanced)
	require.True(t, fgDone)
	require.Equal(t, 3, bgTicks)

	// The periodic loop is still parked on its next tick; stop it directly.
	bg.Cancel(nil)
	require.ErrorIs(t, bg.Wait(), strand.ErrCancelled)
	require.NoError(t, s.Wait())
}

func TestVirtualTimeout(t *testing.T) {
	sched := New()
	s := strand.NewRoot(context.Background(), sched, strand.FailFast)

	var got error
	s.Go(func(ctx context.Context) error {
		got = strand.WithTimeout(ctx, 10*time.Second, func(ctx context.Context) error {
			return strand.Sleep(ctx, time.Hour)
		})
		return nil
	})

	advanced := sched.AdvanceUntilIdle()
	require.Equal(t, 10*time.Second, advanced)
	var te *strand.TimeoutError
	require.ErrorAs(t, got, &te)
	require.Equal(t, 10*time.Second, te.After)
	require.NoError(t, s.Wait())
}

func TestRunDrivesBodyToCompletion(t *testing.T) {
	sched := New()
	hops := 0
	err := sched.Run(func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			if err := strand.Sleep(ctx, time.Minute); err != nil {
				return err
			}
			hops++
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, hops)
	require.Equal(t, 3*time.Minute, sched.Elapsed())

	boom := errors.New("boom")
	require.ErrorIs(t, sched.Run(func(context.Context) error { return boom }), boom)
}

func TestBackgroundScopeNeverBlocksIdle(t *testing.T) {
	sched := New()
	ticks := 0
	sched.BackgroundScope().Go(func(ctx context.Context) error {
		for {
			if err := strand.Sleep(ctx, time.Second); err != nil {
				return err
			}
			ticks++
		}
	})
	require.Equal(t, time.Duration(0), sched.AdvanceUntilIdle())
	sched.AdvanceBy(5 * time.Second)
	require.Equal(t, 5, ticks)
	sched.StopBackground()
	require.Equal(t, 0, sched.PendingTimers())
}

func TestCancelledTimersDoNotCountOrFire(t *testing.T) {
	sched := New()
	fired := false
	cancel := sched.ScheduleTimer(time.Second, false, func() { fired = true })
	require.Equal(t, 1, sched.PendingTimers())
	cancel()
	require.Equal(t, 0, sched.PendingTimers())
	// Cancellation removes the entry outright, so a never-advanced scheduler
	// does not accumulate dead timers.
	require.Empty(t, sched.timers)
	cancel() // repeat cancel is a no-op
	require.Empty(t, sched.timers)
	require.Equal(t, time.Duration(0), sched.AdvanceUntilIdle())
	sched.AdvanceBy(2 * time.Second)
	require.False(t, fired)
}

func TestCancelMiddleTimerPreservesOrder(t *testing.T) {
	sched := New()
	var order []int
	c1 := sched.ScheduleTimer(1*time.Second, false, func() { order = append(order, 1) })
	c2 := sched.ScheduleTimer(2*time.Second, false, func() { order = append(order, 2) })
	c3 := sched.ScheduleTimer(3*time.Second, false, func() { order = append(order, 3) })
	c2()
	require.Equal(t, 2, sched.PendingTimers())
	sched.AdvanceBy(3 * time.Second)
	require.Equal(t, []int{1, 3}, order)
	require.Empty(t, sched.timers)
	// Cancelling an already-fired timer is a no-op.
	c1()
	c3()
	require.Empty(t, sched.timers)
}

func TestCancellationDeliveredWithoutAdvancing(t *testing.T) {
	sched := New()
	s := strand.NewRoot(context.Background(), sched, strand.FailFast)
	var body error
	s.Go(func(ctx context.Context) error {
		body = strand.Sleep(ctx, time.Hour)
		return body
	})
	s.Cancel(errors.New("stop"))
	// The park wakes through the ready queue, not the clock.
	require.ErrorIs(t, body, strand.ErrCancelled)
	err := s.Wait()
	require.EqualError(t, err, "stop")
	require.Equal(t, time.Duration(0), sched.Elapsed())
}
