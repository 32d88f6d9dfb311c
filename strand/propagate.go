package strand

// Failure propagation rules, applied whenever a task records a failure:
//
//   - A cancellation signal is absorbed at the task that observed it. The
//     parent only sees the child reach Cancelled, never a failure.
//   - Over a propagating edge (the default), the failure cancels the failing
//     task's siblings, requests cancellation of the parent, and becomes the
//     parent's own terminal cause once all of its children are terminal. That
//     repeats up the tree.
//   - A supervisory edge stops propagation: the failure stays on the failing
//     task's result slot, visible to Await, and reaches the root failure
//     handler only if never awaited.

// escalateFailure makes the propagation decision for this task's failure,
// exactly once.
func (t *Task) escalateFailure(cause error) {
	t.mu.Lock()
	if t.escalated {
		t.mu.Unlock()
		return
	}
	t.escalated = true
	parent := t.parent
	supervised := t.supervisedEdge
	t.mu.Unlock()

	if supervised || parent == nil || parent.superviseChildren() {
		// Retained on this task's result slot; reportTerminal decides between
		// Await and the root failure handler.
		return
	}
	t.mu.Lock()
	t.escalatedUp = true
	t.mu.Unlock()
	parent.poison(cause)
}

// poison records a child failure as the parent's eventual cause and cancels
// the rest of the parent's subtree. The parent re-raises the cause as its own
// once its children are terminal, which runs escalateFailure again one level
// up.
func (p *Task) poison(cause error) {
	p.mu.Lock()
	if p.pendingCause == nil && !p.state.Terminal() {
		p.pendingCause = cause
	}
	p.mu.Unlock()
	p.cancelWithCause(nil)
}

func (t *Task) superviseChildren() bool {
	return t.scope != nil && t.scope.policy == Supervisor && t.scope.container == t
}

// reportTerminal hands failures that stopped propagating here to the root
// failure handler, unless an Await consumes them first.
func (t *Task) reportTerminal() {
	t.mu.Lock()
	failed := t.result.kind == resultErr && !t.escalatedUp
	awaitable := t.awaitable
	t.mu.Unlock()
	if !failed || t.scope == nil {
		return
	}
	root := t.scope.root()
	if awaitable {
		root.trackUnobserved(t)
		return
	}
	root.deliverUnhandled(t)
}
