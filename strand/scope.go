package strand

import (
	"context"
	"sync"
	"time"
)

// Policy decides how a scope reacts to a direct child's failure.
type Policy int

const (
	// FailFast cancels the scope's remaining tasks on the first failure and
	// re-raises it up the tree.
	FailFast Policy = iota
	// Supervisor isolates failures: siblings keep running, the scope does not
	// fail, and the failure stays on the failing task's result slot.
	Supervisor
)

// Option configures a scope.
type Option func(*Options)

// Options holds scope configuration. Child scopes inherit them, except the
// name.
type Options struct {
	PanicAsError   bool
	Observer       Observer
	Logger         Logger
	MaxConcurrency int
	OnUnhandled    func(*UnhandledError)
	Background     bool
	Name           string
}

func defaultOptions() Options { return Options{PanicAsError: true} }

// WithPanicAsError converts task panics into failures instead of crashing.
func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

// WithObserver installs lifecycle hooks.
func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

// WithLogger sets the logger used for events with no other outlet.
func WithLogger(l Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMaxConcurrency caps concurrently-running continuations of the scope's
// tasks, via an admission view of the scope's dispatcher.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithFailureHandler registers the root failure handler. It fires only for
// failures that no Await consumed; a failure observed at an await site never
// reaches it.
func WithFailureHandler(h func(*UnhandledError)) Option {
	return func(o *Options) { o.OnUnhandled = h }
}

// WithBackground marks the scope's tasks as background work: deterministic
// test schedulers exclude them from idle detection, so perpetual periodic
// loops do not block AdvanceUntilIdle.
func WithBackground() Option { return func(o *Options) { o.Background = true } }

// WithScopeName labels the scope's container task.
func WithScopeName(name string) Option { return func(o *Options) { o.Name = name } }

// Scope is the structured grouping construct. It owns a container task; every
// task spawned in the scope is a child of that container, and the scope's
// exit (Wait, or the end of WithScope) does not return until all of them are
// terminal.
type Scope struct {
	container  *Task
	policy     Policy
	opts       Options
	obs        Observer
	log        Logger
	base       Dispatcher // as injected
	dispatcher Dispatcher // admission-limited view when MaxConcurrency is set
	parent     *Scope
	stopWatch  func() bool

	unobservedMu sync.Mutex
	unobserved   []*Task
}

func newScope(parent *Scope, base Dispatcher, policy Policy, inherited Options, fns []Option) *Scope {
	opts := inherited
	opts.Name = ""
	for _, fn := range fns {
		fn(&opts)
	}
	s := &Scope{
		parent:     parent,
		policy:     policy,
		opts:       opts,
		obs:        opts.Observer,
		base:       base,
		dispatcher: base,
	}
	if opts.Logger != nil {
		s.log = opts.Logger
	} else {
		s.log = NewNoOpLogger()
	}
	if opts.MaxConcurrency > 0 {
		s.dispatcher = Limited(base, int64(opts.MaxConcurrency))
	}
	return s
}

// NewRoot creates a root scope bound to d; nil means the shared default pool.
// Cancelling ctx cancels the scope. The scope stays open for spawns until
// Wait or Cancel.
func NewRoot(ctx context.Context, d Dispatcher, policy Policy, optFns ...Option) *Scope {
	if ctx == nil {
		ctx = context.Background()
	}
	if d == nil {
		d = DefaultPool()
	}
	s := newScope(nil, d, policy, defaultOptions(), optFns)
	t, _ := newTask(s, nil, nil, spawnConfig{name: s.opts.Name, rootCtx: ctx})
	t.awaitable = true
	if s.opts.Background {
		t.background = true
	}
	t.state = Active
	s.container = t
	if s.obs != nil {
		s.obs.ScopeCreated(s.Context())
	}
	if ctx.Done() != nil {
		s.stopWatch = context.AfterFunc(ctx, func() { s.Cancel(context.Cause(ctx)) })
	}
	return s
}

// Child creates a nested scope whose container task is a child of this
// scope's container. It fails with ErrScopeClosed once this scope is
// terminal.
func (s *Scope) Child(policy Policy, optFns ...Option) (*Scope, error) {
	cs := newScope(s, s.base, policy, s.opts, optFns)
	t, err := newTask(cs, s.container, nil, spawnConfig{name: cs.opts.Name})
	if err != nil {
		return nil, err
	}
	t.awaitable = true
	if cs.opts.Background {
		t.background = true
	}
	t.state = Active
	cs.container = t
	if cs.obs != nil {
		cs.obs.ScopeCreated(cs.Context())
	}
	return cs, nil
}

// Context returns the scope's context. Its Done channel closes when the
// scope's cancellation is requested.
func (s *Scope) Context() context.Context { return s.container.ctx }

// Task returns the scope's container task.
func (s *Scope) Task() *Task { return s.container }

// Spawn creates a child task in the scope. It fails with ErrScopeClosed if
// the scope is already terminal. The task starts immediately unless spawned
// with WithLazyStart.
func (s *Scope) Spawn(body func(ctx context.Context) error, optFns ...SpawnOption) (*Task, error) {
	if body == nil {
		return nil, errNilBody
	}
	var cfg spawnConfig
	for _, fn := range optFns {
		fn(&cfg)
	}
	t, err := newTask(s, s.container, body, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.lazy {
		t.Start()
	}
	return t, nil
}

// Go spawns a fire-and-forget task, ignoring nil bodies and logging rejected
// spawns.
func (s *Scope) Go(body func(ctx context.Context) error) {
	if body == nil {
		return
	}
	if _, err := s.Spawn(body); err != nil {
		s.log.Warn("spawn rejected", F("scope", s.opts.Name), F("err", err))
	}
}

// Cancel requests cancellation of the whole scope. cause is informational; it
// becomes Wait's return value. Idempotent.
func (s *Scope) Cancel(cause error) {
	first := s.container.cancelWithCause(cause)
	if first && s.obs != nil {
		s.obs.ScopeCancelled(s.Context(), cause)
	}
}

// Wait closes the scope for new spawns and blocks until every task in it is
// terminal. It returns nil on normal completion, the first propagated failure
// under FailFast, or the cancellation cause if the scope was cancelled. It
// may be called from any goroutine and is repeatable.
func (s *Scope) Wait() error {
	var start time.Time
	if s.obs != nil {
		start = time.Now()
	}
	s.container.complete()
	<-s.container.doneCh
	if s.obs != nil {
		s.obs.ScopeJoined(s.Context(), time.Since(start))
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.container.markObserved()
	s.root().sweepUnobserved()
	return s.waitErr()
}

func (s *Scope) waitErr() error {
	c := s.container
	c.mu.Lock()
	res := c.result
	cancelCause := c.cancelCause
	c.mu.Unlock()
	switch res.kind {
	case resultErr:
		return res.cause
	case resultCancelled:
		if cancelCause != nil {
			return cancelCause
		}
		return ErrCancelled
	}
	return nil
}

func (s *Scope) root() *Scope {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (s *Scope) trackUnobserved(t *Task) {
	s.unobservedMu.Lock()
	s.unobserved = append(s.unobserved, t)
	s.unobservedMu.Unlock()
}

// deliverUnhandled routes a never-awaited failure to the root failure
// handler, or the logger when none is registered.
func (s *Scope) deliverUnhandled(t *Task) {
	t.mu.Lock()
	if t.observed {
		t.mu.Unlock()
		return
	}
	t.observed = true
	cause := t.result.cause
	t.mu.Unlock()
	ue := &UnhandledError{TaskID: t.id, Cause: cause}
	if h := s.opts.OnUnhandled; h != nil {
		h(ue)
		return
	}
	s.log.Error("unhandled task failure", F("task", t.id), F("name", t.name), F("err", cause))
}

func (s *Scope) sweepUnobserved() {
	s.unobservedMu.Lock()
	pending := s.unobserved
	s.unobserved = nil
	s.unobservedMu.Unlock()
	for _, t := range pending {
		s.deliverUnhandled(t)
	}
}

// WithScope runs body with a child scope of the calling task. On every exit
// path — normal return, failure, or outer cancellation — it cancels and joins
// every still-outstanding child before returning or re-raising, so no task
// escapes its structural owner. The body's (or a propagated child's) failure
// is returned here and counts as handled; it does not escalate past the call
// site on its own.
func WithScope(ctx context.Context, body func(ctx context.Context, s *Scope) error) error {
	return scoped(ctx, FailFast, body)
}

// WithSupervisoryScope is WithScope under the Supervisor policy: a direct
// child's failure does not cancel its siblings and does not fail the scope.
// The scope still waits for all children, and cancellation from outside still
// reaches them.
func WithSupervisoryScope(ctx context.Context, body func(ctx context.Context, s *Scope) error) error {
	return scoped(ctx, Supervisor, body)
}

func scoped(ctx context.Context, policy Policy, body func(context.Context, *Scope) error) error {
	caller := runnableFrom(ctx)
	anchor := FromContext(ctx)
	if anchor == nil {
		// No ambient task: host the whole thing in a throwaway root.
		s := NewRoot(ctx, nil, policy)
		bodyErr := body(s.Context(), s)
		if bodyErr != nil {
			s.Cancel(bodyErr)
		}
		waitErr := s.Wait()
		if bodyErr != nil {
			return bodyErr
		}
		return waitErr
	}

	host := anchor.scope
	cs := newScope(host, host.base, policy, host.opts, nil)
	t, err := newTask(cs, anchor, nil, spawnConfig{})
	if err != nil {
		return err
	}
	t.awaitable = true
	t.supervisedEdge = true // the failure surfaces as scoped's return value
	t.state = Active
	cs.container = t
	if cs.obs != nil {
		cs.obs.ScopeCreated(cs.Context())
	}

	bodyErr := body(ctx, cs)
	if bodyErr != nil {
		t.cancelWithCause(bodyErr)
	}
	t.complete()
	if caller != nil {
		t.joinSilent(caller)
	} else {
		<-t.doneCh
	}
	t.markObserved()

	if bodyErr != nil {
		return bodyErr
	}
	if cause := t.failureCause(); cause != nil {
		return cause
	}
	if caller != nil {
		if err := caller.liveErr(); err != nil {
			return err
		}
	}
	return nil
}
