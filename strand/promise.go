package strand

import "context"

// Promise is the result-bearing handle for a task spawned with SpawnValue.
type Promise[T any] struct {
	t *Task
}

// SpawnValue creates a child task whose body produces a value. The value (or
// failure) is read with Await; a failure held by a Promise reaches the root
// failure handler only if it is still unobserved when the root scope's Wait
// returns.
func SpawnValue[T any](s *Scope, body func(ctx context.Context) (T, error), optFns ...SpawnOption) (*Promise[T], error) {
	if body == nil {
		return nil, errNilBody
	}
	var cfg spawnConfig
	for _, fn := range optFns {
		fn(&cfg)
	}
	var t *Task
	wrapped := func(ctx context.Context) error {
		v, err := body(ctx)
		if err != nil {
			return err
		}
		t.setValue(v)
		return nil
	}
	// Spawn lazily so the handle is wired before the body can run.
	t, err := s.Spawn(wrapped, append(optFns, WithLazyStart(), withAwaitable())...)
	if err != nil {
		return nil, err
	}
	if !cfg.lazy {
		t.Start()
	}
	return &Promise[T]{t: t}, nil
}

func withAwaitable() SpawnOption {
	return func(c *spawnConfig) { c.awaitable = true }
}

// Task returns the underlying task.
func (p *Promise[T]) Task() *Task { return p.t }

// Await suspends the caller until the task is terminal, then returns the
// stored value, or re-raises the task's failure or cancellation as an error
// at this site. The result slot is immutable once terminal, so repeated Await
// calls return the same outcome. A failure returned here is considered
// handled and never reaches the root failure handler.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := p.t.Join(ctx); err != nil {
		return zero, err
	}
	t := p.t
	t.mu.Lock()
	res := t.result
	t.observed = true
	t.mu.Unlock()
	switch res.kind {
	case resultOK:
		return res.value.(T), nil
	case resultErr:
		return zero, res.cause
	default:
		return zero, ErrCancelled
	}
}
