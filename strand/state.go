package strand

// State is a task's lifecycle state. The set is closed: the scheduler and the
// propagator switch over it exhaustively.
type State int32

const (
	// Created: spawned but not yet started (lazy tasks stay here until Start).
	Created State = iota
	// Active: the body is runnable or running.
	Active
	// CompletingChildren: the body finished normally, children still pending.
	CompletingChildren
	// Cancelling: cancellation confirmed or a failure recorded, winding down
	// children before going terminal.
	Cancelling
	// Completed: terminal, the result slot holds the body's value.
	Completed
	// Cancelled: terminal via cancellation or a failure.
	Cancelled
)

// Terminal reports whether the state is final. Terminal states are sticky:
// further cancel or complete calls are no-ops.
func (s State) Terminal() bool { return s == Completed || s == Cancelled }

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case CompletingChildren:
		return "completing-children"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}
