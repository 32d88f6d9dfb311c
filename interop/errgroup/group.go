// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics on top of the strand runtime. It enables incremental migration of
// errgroup call sites without rewriting them against the task API.
package errgroup

import (
	"context"

	"github.com/NetPo4ki/go-strand/strand"
)

// Group is an errgroup-like wrapper over a FailFast root scope.
type Group struct {
	s   *strand.Scope
	ctx context.Context
}

// WithContext creates a Group bound to ctx. The returned context is cancelled
// when any function passed to Go returns a non-nil error.
func WithContext(ctx context.Context) (*Group, context.Context) {
	s := strand.NewRoot(ctx, nil, strand.FailFast)
	g := &Group{s: s, ctx: s.Context()}
	return g, g.ctx
}

// Go starts a function as a task in the group. It should return a non-nil
// error to signal failure.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	g.s.Go(func(context.Context) error {
		return f()
	})
}

// Wait blocks until all functions have returned. It returns the first non-nil
// error (FailFast semantics) or nil on success.
func (g *Group) Wait() error {
	return g.s.Wait()
}
