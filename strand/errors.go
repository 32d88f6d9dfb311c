package strand

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is the cancellation signal. A task body that returns it (or
// context.Canceled) is treated as cancelled rather than failed: the result is
// absorbed where it was observed and never propagates to the parent as a
// failure.
var ErrCancelled = errors.New("strand: task cancelled")

// ErrScopeClosed is returned synchronously when spawning under a parent that
// has already reached a terminal state.
var ErrScopeClosed = errors.New("strand: scope closed")

var errSelfJoin = errors.New("strand: task cannot join itself")

var errNilBody = errors.New("strand: nil task body")

// TimeoutError is returned by WithTimeout when the timer wins the race. It is
// a cancellation subtype: errors.Is(err, ErrCancelled) holds, so returning it
// from a task body does not escalate as an ordinary failure.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("strand: timed out after %v", e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrCancelled }

// UnhandledError wraps a task failure that was never consumed by an Await. It
// is delivered to the root scope's failure handler.
type UnhandledError struct {
	TaskID uint64
	Cause  error
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("strand: unhandled failure in task %d: %v", e.TaskID, e.Cause)
}

func (e *UnhandledError) Unwrap() error { return e.Cause }

// IsCancellation reports whether err is a cancellation signal rather than a
// failure.
func IsCancellation(err error) bool {
	return err != nil && (errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled))
}
