package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/NetPo4ki/go-strand/strand"
)

func TestObserverRecordsLifecycle(t *testing.T) {
	reg := prom.NewRegistry()
	obs, err := NewObserver("strand", reg, ObserverOptions{})
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}
	ctx := context.Background()

	obs.ScopeCreated(ctx)
	obs.TaskStarted(ctx)
	obs.TaskStarted(ctx)
	obs.TaskFinished(ctx, 30*time.Millisecond, nil, false)
	obs.TaskFinished(ctx, 10*time.Millisecond, errors.New("boom"), false)
	obs.ScopeCancelled(ctx, errors.New("stop"))
	obs.ScopeJoined(ctx, 40*time.Millisecond)

	if got := testutil.ToFloat64(obs.tasksStartedTotal); got != 2 {
		t.Fatalf("tasks started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(obs.tasksActive); got != 0 {
		t.Fatalf("tasks active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(obs.tasksFinishedTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok finishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(obs.tasksFinishedTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("error finishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(obs.scopesCancelled); got != 1 {
		t.Fatalf("scopes cancelled = %v, want 1", got)
	}
}

func TestObserverAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewObserver("strand", reg, ObserverOptions{})
	if err != nil {
		t.Fatalf("first NewObserver failed: %v", err)
	}
	second, err := NewObserver("strand", reg, ObserverOptions{})
	if err != nil {
		t.Fatalf("second NewObserver failed: %v", err)
	}

	first.TaskStarted(context.Background())
	second.TaskStarted(context.Background())
	if got := testutil.ToFloat64(first.tasksStartedTotal); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestOutcomeLabels(t *testing.T) {
	cases := []struct {
		err      error
		panicked bool
		want     string
	}{
		{nil, false, "ok"},
		{errors.New("boom"), false, "error"},
		{strand.ErrCancelled, false, "cancelled"},
		{&strand.TimeoutError{After: time.Second}, false, "cancelled"},
		{errors.New("boom"), true, "panic"},
	}
	for _, c := range cases {
		if got := outcomeLabel(c.err, c.panicked); got != c.want {
			t.Fatalf("outcomeLabel(%v, %v) = %q, want %q", c.err, c.panicked, got, c.want)
		}
	}
}

func TestObserverOnLiveScope(t *testing.T) {
	reg := prom.NewRegistry()
	obs := MustNewObserver("strand", reg, ObserverOptions{})
	s := strand.NewRoot(context.Background(), nil, strand.FailFast, strand.WithObserver(obs))
	s.Go(func(context.Context) error { return nil })
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := testutil.ToFloat64(obs.tasksFinishedTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok finishes = %v, want 1", got)
	}
	if err := strand.ShutdownDefaultPool(time.Second); err != nil {
		t.Fatalf("ShutdownDefaultPool: %v", err)
	}
}
