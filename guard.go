package guard

import (
	"context"
	"sync"
	"time"
)

// Option customizes an AccessGuard.
type Option func(*AccessGuard)

// WithRequiredRole makes the guard authorize only identities holding role.
func WithRequiredRole(role Role) Option {
	return func(g *AccessGuard) {
		g.role = role
	}
}

// WithRoleResolver sets the resolver used for role checks.
func WithRoleResolver(resolver RoleResolver) Option {
	return func(g *AccessGuard) {
		g.resolver = resolver
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger Logger) Option {
	return func(g *AccessGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithActivitySink sets the sink receiving decision and diagnostic events.
func WithActivitySink(sink ActivitySink) Option {
	return func(g *AccessGuard) {
		g.sink = normalizeActivitySink(sink)
	}
}

// WithObserver sets the metrics observer.
func WithObserver(observer Observer) Option {
	return func(g *AccessGuard) {
		if observer != nil {
			g.observer = observer
		}
	}
}

// WithName labels the guard in logs, activity events and metrics.
func WithName(name string) Option {
	return func(g *AccessGuard) {
		if name != "" {
			g.name = name
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(g *AccessGuard) {
		if now != nil {
			g.now = now
		}
	}
}

type roleCheck struct {
	cancel  context.CancelFunc
	started time.Time
}

// AccessGuard derives the access decision for one protected view. All state
// changes run on a single goroutine fed by a mailbox; the decision snapshot
// is safe to read from any goroutine.
type AccessGuard struct {
	name     string
	role     Role
	source   IdentitySource
	resolver RoleResolver
	logger   Logger
	sink     ActivitySink
	observer Observer
	now      func() time.Time

	inbox  *mailbox[Input]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// loop owned
	state   State
	session *Session
	checks  map[uint64]roleCheck

	mu          sync.RWMutex
	decision    Decision
	current     *Session
	watchers    map[uint64]chan Decision
	nextWatcher uint64
	started     bool
	closed      bool
	unsubscribe CancelFunc
	stopAfter   func() bool

	// notifyMu is held while an input is applied and while Close marks the
	// guard closed, so no side channel hears from the guard after Close.
	notifyMu  sync.Mutex
	closeOnce sync.Once
}

// NewAccessGuard builds a guard over source. It does nothing until Start.
func NewAccessGuard(source IdentitySource, opts ...Option) (*AccessGuard, error) {
	if source == nil {
		return nil, ErrIdentitySourceRequired
	}

	g := &AccessGuard{
		name:     "guard",
		source:   source,
		logger:   defLogger{},
		sink:     noopActivitySink{},
		observer: noopObserver{},
		now:      time.Now,
		inbox:    newMailbox[Input](),
		done:     make(chan struct{}),
		checks:   make(map[uint64]roleCheck),
		watchers: make(map[uint64]chan Decision),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	if g.role != RoleNone {
		if !g.role.IsValid() {
			return nil, withCause(ErrUnknownRole, nil, map[string]any{"role": string(g.role)})
		}
		if g.resolver == nil {
			return nil, withCause(ErrRoleResolverRequired, nil, map[string]any{"role": string(g.role)})
		}
	}

	g.state = NewState(g.role)
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Start subscribes to the identity source and then queries the current
// session. The guard runs until ctx is done or Close is called.
func (g *AccessGuard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGuardClosed
	}
	if g.started {
		g.mu.Unlock()
		return ErrGuardStarted
	}
	g.started = true
	g.mu.Unlock()

	go g.run()

	// subscribing first means a change racing the initial query is never lost
	unsubscribe, err := g.source.Subscribe(g.onIdentityChange)
	if err != nil {
		g.inbox.post(SessionObserved{Err: err, Initial: true})
	} else {
		g.setUnsubscribe(unsubscribe)
		go g.queryCurrentSession()
	}

	stop := context.AfterFunc(ctx, g.Close)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		stop()
		return nil
	}
	g.stopAfter = stop
	g.mu.Unlock()

	return nil
}

// Name returns the guard label.
func (g *AccessGuard) Name() string {
	return g.name
}

// Decision returns the latest decision.
func (g *AccessGuard) Decision() Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.decision
}

// Session returns a copy of the session behind the latest decision, nil when
// signed out.
func (g *AccessGuard) Session() *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current.Clone()
}

// Watch returns a channel holding the latest decision. Decisions superseded
// before the reader catches up are skipped. The channel is closed when the
// guard closes or stop is called.
func (g *AccessGuard) Watch() (<-chan Decision, func()) {
	ch := make(chan Decision, 1)

	g.mu.Lock()
	ch <- g.decision
	if g.closed {
		g.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := g.nextWatcher
	g.nextWatcher++
	g.watchers[id] = ch
	g.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if c, ok := g.watchers[id]; ok {
				delete(g.watchers, id)
				close(c)
			}
		})
	}
}

// Wait blocks until the decision is settled, ctx is done, or the guard
// closes. A hung role check keeps it waiting.
func (g *AccessGuard) Wait(ctx context.Context) (Decision, error) {
	ch, stop := g.Watch()
	defer stop()

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				if d := g.Decision(); d.Settled() {
					return d, nil
				}
				return Pending, ErrGuardClosed
			}
			if d.Settled() {
				return d, nil
			}
		case <-ctx.Done():
			if d := g.Decision(); d.Settled() {
				return d, nil
			}
			return Pending, ctx.Err()
		}
	}
}

// Done is closed once the guard stops processing events.
func (g *AccessGuard) Done() <-chan struct{} {
	return g.done
}

// Close releases the subscription and abandons in-flight role checks. No
// decision is computed or delivered afterwards. Safe to call repeatedly.
func (g *AccessGuard) Close() {
	g.closeOnce.Do(func() {
		g.notifyMu.Lock()
		g.mu.Lock()
		g.closed = true
		started := g.started
		unsubscribe := g.unsubscribe
		g.unsubscribe = nil
		stop := g.stopAfter
		g.stopAfter = nil
		for id, ch := range g.watchers {
			delete(g.watchers, id)
			close(ch)
		}
		g.mu.Unlock()
		g.notifyMu.Unlock()

		g.cancel()
		g.inbox.close()
		if unsubscribe != nil {
			unsubscribe()
		}
		if stop != nil {
			stop()
		}
		if !started {
			close(g.done)
		}
	})
}

func (g *AccessGuard) setUnsubscribe(unsubscribe CancelFunc) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		unsubscribe()
		return
	}
	g.unsubscribe = unsubscribe
	g.mu.Unlock()
}

func (g *AccessGuard) onIdentityChange(session *Session) {
	g.inbox.post(SessionObserved{Session: session.Clone()})
}

func (g *AccessGuard) queryCurrentSession() {
	session, err := g.source.CurrentSession(g.ctx)
	if g.ctx.Err() != nil {
		return
	}
	g.inbox.post(SessionObserved{Session: session.Clone(), Err: err, Initial: true})
}

func (g *AccessGuard) run() {
	defer close(g.done)
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.inbox.ready():
			for {
				if g.ctx.Err() != nil {
					return
				}
				in, ok := g.inbox.take()
				if !ok {
					break
				}
				g.apply(in)
			}
		}
	}
}

// apply runs one input through Transition. Observers, loggers and sinks are
// called from here and must not call Close.
func (g *AccessGuard) apply(in Input) {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	if g.isClosed() {
		return
	}

	prev := g.state
	next, effects := Transition(prev, in)
	g.state = next

	switch in := in.(type) {
	case SessionObserved:
		if in.Initial && prev.Observed {
			g.logger.Debug("initial session query superseded by identity event",
				"guard", g.name,
				"subject", in.Session.SubjectID(),
			)
			break
		}
		if next.SubjectID == "" {
			g.session = nil
		} else if in.Session.SubjectID() == next.SubjectID {
			g.session = in.Session
		}
	case RoleResolved:
		var elapsed time.Duration
		if check, ok := g.checks[in.Epoch]; ok {
			delete(g.checks, in.Epoch)
			elapsed = g.now().Sub(check.started)
			check.cancel()
		}
		g.observer.ObserveRoleCheck(roleCheckResult(effects), elapsed)
	}

	for _, effect := range effects {
		g.perform(effect)
	}

	g.publish(prev.Decision(), next.Decision())
}

func (g *AccessGuard) perform(effect Effect) {
	switch e := effect.(type) {
	case StartRoleCheck:
		g.startRoleCheck(e)
	case CancelRoleCheck:
		if check, ok := g.checks[e.Epoch]; ok {
			check.cancel()
		}
	case Diagnose:
		g.report(e.Diagnostic)
	}
}

func (g *AccessGuard) startRoleCheck(e StartRoleCheck) {
	ctx, cancel := context.WithCancel(g.ctx)
	g.checks[e.Epoch] = roleCheck{cancel: cancel, started: g.now()}

	g.logger.Debug("checking role", "guard", g.name, "subject", e.SubjectID, "role", e.Role, "epoch", e.Epoch)

	go func() {
		held, err := g.resolver.HasRole(ctx, e.SubjectID, e.Role)
		g.inbox.post(RoleResolved{
			Epoch:     e.Epoch,
			SubjectID: e.SubjectID,
			Held:      held,
			Err:       err,
		})
	}()
}

// publish reports a changed decision to the observer and sink first, then
// makes it visible to readers and watchers.
func (g *AccessGuard) publish(prev, decision Decision) {
	changed := prev != decision
	if changed {
		g.observer.ObserveDecision(g.name, decision)
		g.logger.Debug("access decision changed",
			"guard", g.name,
			"from", prev,
			"to", decision,
			"subject", g.state.SubjectID,
			"epoch", g.state.Epoch,
		)
		g.record(ActivityEvent{
			EventType: ActivityEventDecisionChanged,
			SubjectID: g.state.SubjectID,
			Role:      g.state.RequiredRole,
			Epoch:     g.state.Epoch,
			From:      prev,
			To:        decision,
		})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.current = g.session
	if !changed {
		return
	}
	g.decision = decision
	for _, ch := range g.watchers {
		offerLatest(ch, decision)
	}
}

func (g *AccessGuard) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

func (g *AccessGuard) report(d Diagnostic) {
	args := []any{"guard", g.name, "subject", d.SubjectID, "role", d.Role, "epoch", d.Epoch}
	if d.Err != nil {
		args = append(args, "error", d.Err)
	}

	switch d.Kind {
	case DiagnosticIdentityTransport:
		g.logger.Warn("identity source failed, treating client as signed out", args...)
	case DiagnosticRoleLookup:
		g.logger.Warn("role lookup failed, denying access", args...)
	case DiagnosticRoleNotHeld:
		g.logger.Info("required role not held, denying access", args...)
	default:
		g.logger.Debug("discarded role check for superseded identity", args...)
	}

	g.record(ActivityEvent{
		EventType: d.eventType(),
		SubjectID: d.SubjectID,
		Role:      d.Role,
		Epoch:     d.Epoch,
		Err:       d.Err,
	})
}

func (g *AccessGuard) record(event ActivityEvent) {
	event.Guard = g.name
	if event.OccurredAt.IsZero() {
		event.OccurredAt = g.now()
	}
	if err := g.sink.Record(g.ctx, event); err != nil {
		g.logger.Warn("guard activity sink error", "guard", g.name, "error", err)
	}
}

// offerLatest replaces whatever is buffered in ch with d. Callers hold the
// guard lock, so only one sender runs at a time.
func offerLatest(ch chan Decision, d Decision) {
	for {
		select {
		case ch <- d:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
