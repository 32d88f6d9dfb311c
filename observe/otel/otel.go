package otel

import (
	"context"
	"time"

	"github.com/NetPo4ki/go-strand/strand"
)

// Nop is a no-op implementation of the strand.Observer interface.
// It serves as a placeholder for an OpenTelemetry-backed observer without adding dependencies.
type Nop struct{}

var _ strand.Observer = (*Nop)(nil)

// NewNop returns a no-op observer.
func NewNop() *Nop { return &Nop{} }

func (*Nop) ScopeCreated(context.Context)                             {}
func (*Nop) ScopeCancelled(context.Context, error)                    {}
func (*Nop) ScopeJoined(context.Context, time.Duration)               {}
func (*Nop) TaskStarted(context.Context)                              {}
func (*Nop) TaskFinished(context.Context, time.Duration, error, bool) {}
