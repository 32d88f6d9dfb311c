package strand

import (
	"context"
	"time"
)

// Observer receives lifecycle hooks from scopes and tasks. Implementations
// must be safe for concurrent use; see observe/prom for a Prometheus-backed
// one.
type Observer interface {
	ScopeCreated(ctx context.Context)
	ScopeCancelled(ctx context.Context, cause error)
	ScopeJoined(ctx context.Context, wait time.Duration)
	TaskStarted(ctx context.Context)
	TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool)
}
