package strand

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var taskSeq atomic.Uint64

type resultKind int

const (
	resultNone resultKind = iota
	resultOK
	resultErr
	resultCancelled
)

// taskResult is the result slot. It is written once, when the task goes
// terminal, and immutable afterwards.
type taskResult struct {
	kind  resultKind
	value any
	cause error
}

// Task is a schedulable unit of cooperative work. It has exactly one owning
// parent (nil for scope roots), zero or more children, a cancellation token
// and a result slot. A task reaches a terminal state only after every one of
// its children has.
type Task struct {
	id   uint64
	name string
	body func(ctx context.Context) error // nil for scope containers

	dispatcher Dispatcher
	scope      *Scope

	mu              sync.Mutex
	state           State
	parent          *Task
	children        []*Task
	pendingChildren int
	result          taskResult
	value           any
	bodyErr         error
	pendingCause    error // failure escalated from a child, claims our result
	cancelCause     error // informational cause handed to Cancel
	waiters         []*park
	escalated       bool
	escalatedUp     bool
	awaitable       bool
	observed        bool

	token     *CancelToken
	ctx       context.Context
	cancelCtx context.CancelFunc

	supervisedEdge bool // failure never escalates past this edge
	detachOnCancel bool // parent cancellation detaches instead of cancelling
	background     bool

	begun    atomic.Bool
	started  time.Time
	panicked bool
	doneCh   chan struct{}
	resumeCh chan struct{}
	stepCh   chan struct{}
}

type wakeReason int

const (
	wakeEvent wakeReason = iota
	wakeCancel
)

// park is a suspended continuation record, keyed to the awaited event by
// whoever armed it. Resuming re-enqueues the task on its dispatcher; the
// first resume wins, later ones are no-ops.
type park struct {
	t     *Task
	wake  wakeReason
	fired atomic.Bool
}

func (p *park) resume(w wakeReason) {
	if !p.fired.CompareAndSwap(false, true) {
		return
	}
	p.wake = w
	p.t.dispatcher.Submit(&Continuation{task: p.t})
}

// SpawnOption configures a single spawn.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	name       string
	lazy       bool
	supervised bool
	dispatcher Dispatcher
	awaitable  bool
	rootCtx    context.Context // value chain for parentless containers
}

// WithTaskName labels the task for logs and diagnostics.
func WithTaskName(name string) SpawnOption {
	return func(c *spawnConfig) { c.name = name }
}

// WithLazyStart keeps the task in Created until Start is called. Cancelling a
// never-started lazy task moves it straight to Cancelled.
func WithLazyStart() SpawnOption {
	return func(c *spawnConfig) { c.lazy = true }
}

// WithSupervisoryEdge isolates the task from its siblings: its failure never
// cancels them or the parent (it stays on the task's own result slot), and
// cancelling the parent detaches the task instead of cancelling it. A
// detached task keeps running with no owner; whoever spawned it is
// responsible for joining or cancelling it eventually.
func WithSupervisoryEdge() SpawnOption {
	return func(c *spawnConfig) { c.supervised = true }
}

// WithDispatcher runs the task on d instead of the scope's dispatcher.
func WithDispatcher(d Dispatcher) SpawnOption {
	return func(c *spawnConfig) { c.dispatcher = d }
}

type taskKey struct{}

// FromContext returns the task bound to ctx, or nil if ctx did not come from
// a task body.
func FromContext(ctx context.Context) *Task {
	if v := ctx.Value(taskKey{}); v != nil {
		return v.(*Task)
	}
	return nil
}

// runnableFrom resolves the suspendable task in ctx. Scope containers have no
// continuation of their own and count as absent.
func runnableFrom(ctx context.Context) *Task {
	t := FromContext(ctx)
	if t == nil || t.container() {
		return nil
	}
	return t
}

// CheckCancel is an explicit liveness check for CPU-bound bodies that do not
// otherwise suspend. It returns ErrCancelled once cancellation was requested.
// A body that never suspends and never calls it will not observe
// cancellation.
func CheckCancel(ctx context.Context) error {
	if t := runnableFrom(ctx); t != nil {
		return t.liveErr()
	}
	return ctx.Err()
}

func newTask(s *Scope, parent *Task, body func(context.Context) error, cfg spawnConfig) (*Task, error) {
	d := cfg.dispatcher
	if d == nil {
		d = s.dispatcher
	}
	t := &Task{
		id:         taskSeq.Add(1),
		name:       cfg.name,
		body:       body,
		dispatcher: d,
		scope:      s,
		parent:     parent,
		token:      newCancelToken(),
		doneCh:     make(chan struct{}),
		state:      Created,
	}
	if body != nil {
		t.resumeCh = make(chan struct{})
		t.stepCh = make(chan struct{})
	}
	if cfg.supervised {
		t.supervisedEdge = true
		t.detachOnCancel = true
	}
	t.awaitable = cfg.awaitable

	base := cfg.rootCtx
	if base == nil {
		base = context.Background()
	}
	if parent != nil {
		t.background = parent.background
		// Values flow down; cancellation does not — it is driven solely by
		// the token tree, so supervisory detachment works.
		base = context.WithoutCancel(parent.ctx)
	}
	tctx := context.WithValue(base, taskKey{}, t)
	t.ctx, t.cancelCtx = context.WithCancel(tctx)
	t.token.OnCancelRequested(func() { t.cancelCtx() })

	if parent != nil {
		parent.mu.Lock()
		if parent.state.Terminal() {
			parent.mu.Unlock()
			t.cancelCtx()
			return nil, ErrScopeClosed
		}
		parent.children = append(parent.children, t)
		parent.pendingChildren++
		parentCancelled := parent.token.CancelRequested()
		parent.mu.Unlock()
		if parentCancelled && !t.detachOnCancel {
			t.token.RequestCancel()
		}
	}
	return t, nil
}

// ID returns the task's unique id. Ids are assigned from a process-wide
// monotonic counter, so they also give a total submission order.
func (t *Task) ID() uint64 { return t.id }

// Name returns the label given at spawn, possibly empty.
func (t *Task) Name() string { return t.name }

// Context returns the task's context. Its Done channel closes when
// cancellation is requested.
func (t *Task) Context() context.Context { return t.ctx }

// Token returns the task's cancellation token.
func (t *Task) Token() *CancelToken { return t.token }

// Done closes when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsActive reports whether the task has started and not begun cancelling.
func (t *Task) IsActive() bool {
	s := t.State()
	return s == Active || s == CompletingChildren
}

// IsCancelled reports whether the task is cancelling or cancelled.
func (t *Task) IsCancelled() bool {
	s := t.State()
	return s == Cancelling || s == Cancelled
}

// IsCompleted reports whether the task completed normally.
func (t *Task) IsCompleted() bool { return t.State() == Completed }

// Err returns the terminal cause: nil while running or after normal
// completion, the failure cause after a failure, ErrCancelled after
// cancellation.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.result.kind {
	case resultErr, resultCancelled:
		return t.result.cause
	}
	return nil
}

func (t *Task) container() bool { return t.body == nil }

func (t *Task) observer() Observer {
	if t.scope != nil {
		return t.scope.obs
	}
	return nil
}

// liveErr is the liveness check: non-nil once cancellation was requested.
func (t *Task) liveErr() error {
	if t.token.CancelRequested() {
		return ErrCancelled
	}
	return nil
}

func (t *Task) setValue(v any) {
	t.mu.Lock()
	t.value = v
	t.mu.Unlock()
}

// Start begins a lazily-created task and reports whether this call started
// it. Eager tasks are started by Spawn; calling Start on them returns false.
func (t *Task) Start() bool {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		return false
	}
	t.state = Active
	t.mu.Unlock()
	t.dispatcher.Submit(&Continuation{task: t})
	return true
}

// Cancel requests cooperative cancellation of the task and, except across
// supervisory edges, of all its descendants. It is idempotent and advisory:
// the task confirms it at its next suspension point or liveness check.
func (t *Task) Cancel() { t.cancelWithCause(nil) }

// CancelAndJoin cancels the task and suspends the caller until it is
// terminal, so the caller always observes a finished task.
func (t *Task) CancelAndJoin(ctx context.Context) error {
	t.Cancel()
	return t.Join(ctx)
}

func (t *Task) cancelWithCause(cause error) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	if cause != nil && t.cancelCause == nil {
		t.cancelCause = cause
	}
	switch t.state {
	case Created:
		// Lazy and never started: no body will run, go terminal directly.
		t.state = Cancelling
	case Active:
		// A running body confirms cancellation itself, at its next
		// suspension point; containers have nothing to confirm.
		if t.container() {
			t.state = Cancelling
		}
	case CompletingChildren:
		t.state = Cancelling
	}
	t.mu.Unlock()

	first := t.token.RequestCancel()
	if first {
		t.cancelChildren()
	}
	t.finalize()
	return first
}

// cancelChildren fans a cancellation request out to the children, detaching
// the ones on supervisory edges instead.
func (t *Task) cancelChildren() {
	t.mu.Lock()
	kids := make([]*Task, len(t.children))
	copy(kids, t.children)
	t.mu.Unlock()
	for _, c := range kids {
		if c.detachOnCancel {
			t.detachChild(c)
			continue
		}
		c.Cancel()
	}
}

func (t *Task) detachChild(c *Task) {
	t.mu.Lock()
	found := false
	for i, x := range t.children {
		if x == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			found = true
			break
		}
	}
	if found {
		t.pendingChildren--
	}
	t.mu.Unlock()
	if !found {
		return
	}
	c.mu.Lock()
	c.parent = nil
	c.mu.Unlock()
	t.finalize()
}

// Join suspends the caller until t is terminal. It returns nil no matter how
// t ended; the outcome is read via Err or the state predicates. A non-nil
// return reports the caller's own cancellation (or ctx expiry when called
// from outside any task).
func (t *Task) Join(ctx context.Context) error {
	caller := runnableFrom(ctx)
	if caller == nil {
		select {
		case <-t.doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if caller == t {
		return errSelfJoin
	}
	if err := caller.liveErr(); err != nil {
		return err
	}
	p, ok := t.addWaiter(caller)
	if !ok {
		return nil
	}
	remove := caller.token.OnCancelRequested(func() { p.resume(wakeCancel) })
	w := caller.suspend(p)
	remove()
	if w == wakeCancel {
		return ErrCancelled
	}
	return nil
}

func (t *Task) addWaiter(caller *Task) (*park, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil, false
	}
	p := &park{t: caller}
	t.waiters = append(t.waiters, p)
	return p, true
}

// joinSilent waits for t ignoring the caller's own cancellation. Scope exit
// paths use it after cancellation has already been fanned out, so the wait is
// bounded by the children's cooperation.
func (t *Task) joinSilent(caller *Task) {
	p, ok := t.addWaiter(caller)
	if !ok {
		return
	}
	caller.suspend(p)
}

// suspend parks the body goroutine: the worker driving the current
// continuation is released, and execution resumes when some event calls the
// park's resume and a worker picks the re-enqueued continuation up.
func (t *Task) suspend(p *park) wakeReason {
	t.stepCh <- struct{}{}
	<-t.resumeCh
	return p.wake
}

// loop is the task's body goroutine. It advances only while a dispatcher
// worker is driving a continuation through the resume/step handshake.
func (t *Task) loop() {
	<-t.resumeCh
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()
	if obs := t.observer(); obs != nil {
		obs.TaskStarted(t.ctx)
	}
	err := t.invokeBody()
	t.finish(err)
	t.stepCh <- struct{}{}
}

func (t *Task) invokeBody() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if t.scope != nil && t.scope.opts.PanicAsError {
				t.panicked = true
				err = fmt.Errorf("panic: %v", r)
				return
			}
			if obs := t.observer(); obs != nil {
				obs.TaskFinished(t.ctx, time.Since(t.started), nil, true)
			}
			panic(r)
		}
	}()
	if err := t.liveErr(); err != nil {
		return err
	}
	return t.body(t.ctx)
}

// finish records the body's outcome and begins winding the task down. The
// task goes terminal here only if no children are outstanding.
func (t *Task) finish(err error) {
	dur := time.Since(t.started)
	t.mu.Lock()
	t.bodyErr = err
	cancelRequested := t.token.CancelRequested()
	if err != nil || cancelRequested {
		t.state = Cancelling
	} else {
		t.state = CompletingChildren
	}
	t.mu.Unlock()

	if err != nil && !IsCancellation(err) {
		t.escalateFailure(err)
	}
	if err != nil || cancelRequested {
		t.token.RequestCancel()
		t.cancelChildren()
	}
	if obs := t.observer(); obs != nil {
		obs.TaskFinished(t.ctx, dur, err, t.panicked)
	}
	t.finalize()
}

// complete closes a container task for new work: it leaves Active once no
// more children will be spawned and goes terminal when the last child does.
func (t *Task) complete() {
	t.mu.Lock()
	if t.state == Active {
		t.state = CompletingChildren
	}
	t.mu.Unlock()
	t.finalize()
}

// finalize moves the task to its terminal state once the body is done and no
// children are pending. Exactly one caller wins; the rest observe Terminal
// and back off.
func (t *Task) finalize() {
	t.mu.Lock()
	if t.state.Terminal() || t.pendingChildren > 0 {
		t.mu.Unlock()
		return
	}
	if t.state == Active || t.state == Created {
		// Body still running, or a container still open for spawns.
		t.mu.Unlock()
		return
	}
	cause := t.pendingCause
	if cause == nil && t.bodyErr != nil && !IsCancellation(t.bodyErr) {
		cause = t.bodyErr
	}
	switch {
	case cause != nil:
		t.result = taskResult{kind: resultErr, cause: cause}
		t.state = Cancelled
	case t.state == Cancelling:
		t.result = taskResult{kind: resultCancelled, cause: ErrCancelled}
		t.state = Cancelled
	default:
		t.result = taskResult{kind: resultOK, value: t.value}
		t.state = Completed
	}
	waiters := t.waiters
	t.waiters = nil
	parent := t.parent
	t.mu.Unlock()

	t.token.finalize()
	t.cancelCtx()
	close(t.doneCh)
	if t.result.kind == resultErr {
		t.escalateFailure(t.result.cause)
	}
	for _, w := range waiters {
		w.resume(wakeEvent)
	}
	if parent != nil {
		parent.childDone(t)
	}
	t.reportTerminal()
}

// childDone releases the parent's slot for a terminal child.
func (t *Task) childDone(child *Task) {
	t.mu.Lock()
	for i, c := range t.children {
		if c == child {
			t.children = append(t.children[:i], t.children[i+1:]...)
			break
		}
	}
	t.pendingChildren--
	t.mu.Unlock()
	t.finalize()
}

func (t *Task) failureCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result.kind == resultErr {
		return t.result.cause
	}
	return nil
}

func (t *Task) markObserved() {
	t.mu.Lock()
	t.observed = true
	t.mu.Unlock()
}
