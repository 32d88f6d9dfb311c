package strand

import "sync"

// TokenState is the tri-state of a CancelToken. Transitions are monotonic:
// Active -> CancelRequested -> TokenCancelled, never backwards.
type TokenState int32

const (
	TokenActive TokenState = iota
	TokenCancelRequested
	TokenCancelled
)

func (s TokenState) String() string {
	switch s {
	case TokenActive:
		return "active"
	case TokenCancelRequested:
		return "cancel-requested"
	case TokenCancelled:
		return "cancelled"
	}
	return "unknown"
}

// CancelToken is a shared advisory cancellation flag. Requesting cancellation
// only flips the state; the owning task must observe it at a suspension point
// or liveness check to actually stop.
type CancelToken struct {
	mu        sync.Mutex
	state     TokenState
	nextID    int
	callbacks []tokenCallback
}

type tokenCallback struct {
	id int
	fn func()
}

func newCancelToken() *CancelToken { return &CancelToken{} }

// State returns the current token state.
func (t *CancelToken) State() TokenState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CancelRequested reports whether cancellation has been requested (or the
// token is already terminal).
func (t *CancelToken) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != TokenActive
}

// RequestCancel moves Active to CancelRequested and runs registered callbacks
// in registration order. It reports whether this call performed the
// transition; repeated calls are no-ops.
func (t *CancelToken) RequestCancel() bool {
	t.mu.Lock()
	if t.state != TokenActive {
		t.mu.Unlock()
		return false
	}
	t.state = TokenCancelRequested
	cbs := make([]tokenCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.fn != nil {
			cb.fn()
		}
	}
	return true
}

// OnCancelRequested registers fn to run once when cancellation is requested.
// If it already was, fn runs immediately on the caller. The returned remove
// function unregisters fn; it is safe to call after the callback fired.
func (t *CancelToken) OnCancelRequested(fn func()) (remove func()) {
	t.mu.Lock()
	if t.state != TokenActive {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.callbacks = append(t.callbacks, tokenCallback{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		for i := range t.callbacks {
			if t.callbacks[i].id == id {
				t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}
}

// finalize is called when the owning task goes terminal: a requested
// cancellation becomes confirmed, and callbacks are released.
func (t *CancelToken) finalize() {
	t.mu.Lock()
	if t.state == TokenCancelRequested {
		t.state = TokenCancelled
	}
	t.callbacks = nil
	t.mu.Unlock()
}
