package strand

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoWaitSuccess(t *testing.T) {
	t.Parallel()
	s := NewRoot(context.Background(), nil, FailFast)
	done := atomic.Int32{}
	s.Go(func(_ context.Context) error {
		done.Add(1)
		return nil
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := done.Load(); got != 1 {
		t.Fatalf("expected task to run once, got %d", got)
	}
}

func TestCancelIdempotentMultiWait(t *testing.T) {
	t.Parallel()
	s := NewRoot(context.Background(), nil, FailFast)
	s.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel(errors.New("stop"))
	s.Cancel(nil)
	err1 := s.Wait()
	err2 := s.Wait()
	if err1 == nil || err2 == nil {
		t.Fatalf("expected non-nil error from Wait after cancel, got (%v, %v)", err1, err2)
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("Wait should return same error; got %v vs %v", err1, err2)
	}
	if err1.Error() != "stop" {
		t.Fatalf("expected first cancel cause to win, got %v", err1)
	}
}

func TestFailFastCancelsSiblings(t *testing.T) {
	t.Parallel()
	s := NewRoot(context.Background(), nil, FailFast)
	blocked := make(chan struct{})

	s.Go(func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return errors.New("sibling was not cancelled by fail-fast")
		case <-ctx.Done():
			close(blocked)
			return ctx.Err()
		}
	})
	s.Go(func(_ context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return errors.New("boom")
	})
	err := s.Wait()
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom from fail-fast scope, got %v", err)
	}
	select {
	case <-blocked:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("sibling did not observe cancellation in time")
	}
}

func TestSupervisorKeepsSiblingsAndScope(t *testing.T) {
	t.Parallel()
	boom := errors.New("err")
	var unhandled atomic.Pointer[UnhandledError]
	s := NewRoot(context.Background(), nil, Supervisor, WithFailureHandler(func(ue *UnhandledError) {
		unhandled.Store(ue)
	}))
	done := make(chan struct{})
	s.Go(func(_ context.Context) error {
		time.Sleep(40 * time.Millisecond)
		close(done)
		return nil
	})
	s.Go(func(_ context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return boom
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("supervisor scope must not fail on a child failure, got %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("sibling should not be cancelled under Supervisor policy")
	}
	ue := unhandled.Load()
	if ue == nil {
		t.Fatal("retained failure never reached the failure handler")
	}
	if !errors.Is(ue, boom) {
		t.Fatalf("handler got %v, want %v", ue.Cause, boom)
	}
}

func TestPanicAsErrorConverted(t *testing.T) {
	t.Parallel()
	s := NewRoot(context.Background(), nil, FailFast)
	s.Go(func(_ context.Context) error {
		panic("panic-value")
	})
	err := s.Wait()
	if err == nil || !strings.Contains(err.Error(), "panic-value") {
		t.Fatalf("expected converted panic error, got %v", err)
	}
}

func TestChildScopeCancellation(t *testing.T) {
	t.Parallel()
	parent := NewRoot(context.Background(), nil, FailFast)
	child, err := parent.Child(FailFast)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	cancelObserved := make(chan struct{})
	child.Go(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelObserved)
		return ctx.Err()
	})
	parent.Cancel(errors.New("teardown"))
	select {
	case <-cancelObserved:
	case <-time.After(time.Second):
		t.Fatal("child scope task did not observe parent cancellation")
	}
	if err := parent.Wait(); err == nil {
		t.Fatal("expected cancellation cause from Wait")
	}
}

func TestSpawnAfterWaitRejected(t *testing.T) {
	t.Parallel()
	s := NewRoot(context.Background(), nil, FailFast)
	if err := s.Wait(); err != nil {
		t.Fatalf("empty scope Wait: %v", err)
	}
	if _, err := s.Spawn(func(context.Context) error { return nil }); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("expected ErrScopeClosed, got %v", err)
	}
}

func TestExternalContextCancelsScope(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewRoot(ctx, nil, FailFast)
	s.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	if err := s.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled as cancellation cause, got %v", err)
	}
}

func TestContextWatchStoppedAfterWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewRoot(ctx, nil, FailFast)
	s.Go(func(context.Context) error { return nil })
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Wait detaches the context watcher; a late cancel must not reach the
	// completed scope.
	cancel()
	if got := s.Task().State(); got != Completed {
		t.Fatalf("state after late ctx cancel = %v, want %v", got, Completed)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("repeat Wait: %v", err)
	}
}

func TestWaitDoesNotReturnBeforeChildren(t *testing.T) {
	t.Parallel()
	s := NewRoot(context.Background(), nil, FailFast)
	var finished atomic.Bool
	s.Go(func(ctx context.Context) error {
		if err := Sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		finished.Store(true)
		return nil
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Wait returned before the child finished")
	}
}

// testObserver records lifecycle callbacks.
type testObserver struct {
	mu              sync.Mutex
	scopesCreated   int
	scopesCancelled int
	scopesJoined    int
	tasksStarted    int
	tasksFinished   int
	errs            int
}

func (o *testObserver) ScopeCreated(context.Context) {
	o.mu.Lock()
	o.scopesCreated++
	o.mu.Unlock()
}

func (o *testObserver) ScopeCancelled(context.Context, error) {
	o.mu.Lock()
	o.scopesCancelled++
	o.mu.Unlock()
}

func (o *testObserver) ScopeJoined(context.Context, time.Duration) {
	o.mu.Lock()
	o.scopesJoined++
	o.mu.Unlock()
}

func (o *testObserver) TaskStarted(context.Context) {
	o.mu.Lock()
	o.tasksStarted++
	o.mu.Unlock()
}

func (o *testObserver) TaskFinished(_ context.Context, _ time.Duration, err error, _ bool) {
	o.mu.Lock()
	o.tasksFinished++
	if err != nil {
		o.errs++
	}
	o.mu.Unlock()
}

func TestObserverCallbacks(t *testing.T) {
	t.Parallel()
	obs := &testObserver{}
	s := NewRoot(context.Background(), nil, Supervisor, WithObserver(obs), WithFailureHandler(func(*UnhandledError) {}))
	child, err := s.Child(Supervisor)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	child.Go(func(context.Context) error { return nil })
	s.Go(func(context.Context) error { return errors.New("boom") })
	if err := child.Wait(); err != nil {
		t.Fatalf("child Wait: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.scopesCreated != 2 {
		t.Fatalf("scopesCreated = %d, want 2", obs.scopesCreated)
	}
	if obs.tasksStarted != 2 || obs.tasksFinished != 2 {
		t.Fatalf("task callbacks = (%d, %d), want (2, 2)", obs.tasksStarted, obs.tasksFinished)
	}
	if obs.errs != 1 {
		t.Fatalf("errored finishes = %d, want 1", obs.errs)
	}
	if obs.scopesJoined != 2 {
		t.Fatalf("scopesJoined = %d, want 2", obs.scopesJoined)
	}
}

func TestWithScopeJoinsAndReturnsFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var sibling atomic.Bool
	err := WithScope(context.Background(), func(ctx context.Context, s *Scope) error {
		s.Go(func(ctx context.Context) error {
			<-ctx.Done()
			sibling.Store(true)
			return ctx.Err()
		})
		s.Go(func(context.Context) error { return boom })
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom from WithScope, got %v", err)
	}
	if !sibling.Load() {
		t.Fatal("WithScope returned before its tasks were terminal")
	}
}

func TestWithSupervisoryScopeIsolatesFailure(t *testing.T) {
	t.Parallel()
	var survived atomic.Bool
	err := WithSupervisoryScope(context.Background(), func(ctx context.Context, s *Scope) error {
		s.Go(func(context.Context) error { return errors.New("isolated") })
		s.Go(func(ctx context.Context) error {
			if err := Sleep(ctx, 20*time.Millisecond); err != nil {
				return err
			}
			survived.Store(true)
			return nil
		})
		return nil
	})
	if err != nil {
		t.Fatalf("supervisory scope must absorb child failures, got %v", err)
	}
	if !survived.Load() {
		t.Fatal("sibling did not survive an isolated failure")
	}
}

func TestWithScopeBodyErrorCancelsChildren(t *testing.T) {
	t.Parallel()
	boom := errors.New("body failed")
	observed := make(chan struct{})
	err := WithScope(context.Background(), func(ctx context.Context, s *Scope) error {
		s.Go(func(ctx context.Context) error {
			<-ctx.Done()
			close(observed)
			return ctx.Err()
		})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}
	select {
	case <-observed:
	default:
		t.Fatal("children were not cancelled on the body's error exit")
	}
}
