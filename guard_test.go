package guard_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func startGuard(t *testing.T, src guard.IdentitySource, rec *recorder, opts ...guard.Option) *guard.AccessGuard {
	t.Helper()
	base := []guard.Option{
		guard.WithLogger(nopLogger{}),
		guard.WithObserver(rec),
		guard.WithActivitySink(rec),
	}
	g, err := guard.NewAccessGuard(src, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Close)
	return g
}

func waitDecision(t *testing.T, g *guard.AccessGuard, want guard.Decision) {
	t.Helper()
	require.Eventually(t, func() bool {
		return g.Decision() == want
	}, waitFor, 5*time.Millisecond, "expected decision %s, got %s", want, g.Decision())
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		require.FailNow(t, "timed out waiting on channel")
	}
	var zero T
	return zero
}

type captureLogger struct {
	nopLogger
	mu       sync.Mutex
	messages []string
}

func (l *captureLogger) Debug(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *captureLogger) saw(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func TestNewAccessGuardValidatesConfiguration(t *testing.T) {
	src := guard.NewMemoryIdentitySource(nil)

	_, err := guard.NewAccessGuard(nil)
	assert.ErrorIs(t, err, guard.ErrIdentitySourceRequired)

	_, err = guard.NewAccessGuard(src, guard.WithRequiredRole(guard.RoleAdmin))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role resolver is required")

	_, err = guard.NewAccessGuard(src,
		guard.WithRequiredRole(guard.Role("superuser")),
		guard.WithRoleResolver(&MockRoleResolver{}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")

	g, err := guard.NewAccessGuard(src)
	require.NoError(t, err)
	assert.Equal(t, "guard", g.Name())
	assert.Equal(t, guard.Pending, g.Decision())
}

func TestAccessGuardAuthorizesHolderOfRequiredRole(t *testing.T) {
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "u1", guard.RoleAdmin).Return(true, nil).Once()

	rec := &recorder{}
	src := guard.NewMemoryIdentitySource(sessionFor("u1"))
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	decision, err := g.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, guard.Authorized, decision)
	assert.Equal(t, []guard.Decision{guard.Authorized}, rec.Decisions())
	assert.Equal(t, []guard.RoleCheckResult{guard.RoleCheckHeld}, rec.Checks())
	assert.Equal(t, "u1", g.Session().SubjectID())
	resolver.AssertExpectations(t)
}

func TestAccessGuardWithoutSessionIsUnauthenticated(t *testing.T) {
	resolver := &MockRoleResolver{}
	rec := &recorder{}
	g := startGuard(t, guard.NewMemoryIdentitySource(nil), rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	waitDecision(t, g, guard.Unauthenticated)
	assert.Equal(t, []guard.Decision{guard.Unauthenticated}, rec.Decisions())
	assert.Nil(t, g.Session())
	resolver.AssertNotCalled(t, "HasRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestAccessGuardAuthenticationOnlySkipsRoleCheck(t *testing.T) {
	rec := &recorder{}
	g := startGuard(t, guard.NewMemoryIdentitySource(sessionFor("u1")), rec)

	waitDecision(t, g, guard.Authorized)
	assert.Empty(t, rec.Checks())
}

func TestAccessGuardForbidsWhenRoleNotHeld(t *testing.T) {
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "u1", guard.RoleAdmin).Return(false, nil).Once()

	rec := &recorder{}
	g := startGuard(t, guard.NewMemoryIdentitySource(sessionFor("u1")), rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	waitDecision(t, g, guard.Forbidden)
	assert.Equal(t, []guard.Decision{guard.Forbidden}, rec.Decisions())

	events := rec.Events(guard.ActivityEventRoleNotHeld)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].SubjectID)
	assert.True(t, guard.IsRoleNotHeld(events[0].Err))
}

func TestAccessGuardFailsClosedOnRoleLookupError(t *testing.T) {
	lookupErr := errors.New("database unreachable")
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "u1", guard.RoleAdmin).Return(false, lookupErr).Once()

	rec := &recorder{}
	g := startGuard(t, guard.NewMemoryIdentitySource(sessionFor("u1")), rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	waitDecision(t, g, guard.Forbidden)
	assert.Equal(t, []guard.RoleCheckResult{guard.RoleCheckError}, rec.Checks())

	events := rec.Events(guard.ActivityEventRoleLookupFailed)
	require.Len(t, events, 1)
	assert.True(t, guard.IsRoleLookupError(events[0].Err))
	assert.ErrorIs(t, events[0].Err, lookupErr)
}

func TestAccessGuardFailsClosedOnIdentityTransportError(t *testing.T) {
	src := guard.NewMemoryIdentitySource(sessionFor("u1"))
	src.SetFailure(errors.New("connection refused"), false)

	rec := &recorder{}
	g := startGuard(t, src, rec)

	waitDecision(t, g, guard.Unauthenticated)

	events := rec.Events(guard.ActivityEventIdentityTransport)
	require.Len(t, events, 1)
	assert.True(t, guard.IsIdentityTransportError(events[0].Err))
}

func TestAccessGuardFailsClosedWhenSubscribeFails(t *testing.T) {
	src := newControlledSource()
	src.subscribeErr = errors.New("stream closed")

	rec := &recorder{}
	g := startGuard(t, src, rec)

	waitDecision(t, g, guard.Unauthenticated)
	assert.Len(t, rec.Events(guard.ActivityEventIdentityTransport), 1)
	assert.Empty(t, src.queried)
}

func TestAccessGuardLogoutDuringRoleCheck(t *testing.T) {
	called := make(chan context.Context, 1)
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "u1", guard.RoleAdmin).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			called <- ctx
			<-ctx.Done()
		}).
		Return(true, nil).Once()

	rec := &recorder{}
	src := guard.NewMemoryIdentitySource(sessionFor("u1"))
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	checkCtx := receive(t, called)
	assert.Equal(t, guard.Pending, g.Decision())

	src.SignOut()
	waitDecision(t, g, guard.Unauthenticated)

	require.Eventually(t, func() bool {
		return len(rec.Events(guard.ActivityEventRoleCheckStale)) == 1
	}, waitFor, 5*time.Millisecond)

	assert.Error(t, checkCtx.Err())
	assert.Equal(t, []guard.Decision{guard.Unauthenticated}, rec.Decisions())
	assert.Equal(t, []guard.RoleCheckResult{guard.RoleCheckDiscarded}, rec.Checks())
}

func TestAccessGuardDiscardsResultForPreviousIdentity(t *testing.T) {
	calledA := make(chan struct{})
	releaseA := make(chan struct{})

	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "a", guard.RoleAdmin).
		Run(func(mock.Arguments) {
			close(calledA)
			<-releaseA
		}).
		Return(true, nil).Once()
	resolver.On("HasRole", mock.Anything, "b", guard.RoleAdmin).Return(false, nil).Once()

	rec := &recorder{}
	src := guard.NewMemoryIdentitySource(sessionFor("a"))
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	receive(t, calledA)
	src.Set(sessionFor("b"))
	waitDecision(t, g, guard.Forbidden)

	close(releaseA)
	require.Eventually(t, func() bool {
		return len(rec.Events(guard.ActivityEventRoleCheckStale)) == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, guard.Forbidden, g.Decision())
	assert.Equal(t, []guard.Decision{guard.Forbidden}, rec.Decisions())
	assert.Equal(t, []guard.RoleCheckResult{guard.RoleCheckNotHeld, guard.RoleCheckDiscarded}, rec.Checks())
	assert.Equal(t, "b", g.Session().SubjectID())
	resolver.AssertExpectations(t)
}

func TestAccessGuardNewIdentityReentersPending(t *testing.T) {
	releaseB := make(chan struct{})
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "a", guard.RoleAdmin).Return(true, nil).Once()
	resolver.On("HasRole", mock.Anything, "b", guard.RoleAdmin).
		Run(func(mock.Arguments) { <-releaseB }).
		Return(true, nil).Once()

	rec := &recorder{}
	src := guard.NewMemoryIdentitySource(sessionFor("a"))
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)
	waitDecision(t, g, guard.Authorized)

	src.Set(sessionFor("b"))
	waitDecision(t, g, guard.Pending)

	close(releaseB)
	waitDecision(t, g, guard.Authorized)

	assert.Equal(t, []guard.Decision{guard.Authorized, guard.Pending, guard.Authorized}, rec.Decisions())
}

func TestAccessGuardIgnoresInitialQueryAfterLogoutEvent(t *testing.T) {
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "a", guard.RoleAdmin).Return(true, nil).Maybe()

	logger := &captureLogger{}
	rec := &recorder{}
	src := newControlledSource()
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
		guard.WithLogger(logger),
	)

	receive(t, src.queried)
	src.emit(nil)
	waitDecision(t, g, guard.Unauthenticated)

	// the query started before the logout and answers with the old session
	src.answer <- queryAnswer{session: sessionFor("a")}
	require.Eventually(t, func() bool {
		return logger.saw("initial session query superseded by identity event")
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, guard.Unauthenticated, g.Decision())
	assert.Equal(t, []guard.Decision{guard.Unauthenticated}, rec.Decisions())
	resolver.AssertNotCalled(t, "HasRole", mock.Anything, "a", guard.RoleAdmin)
}

func TestAccessGuardIgnoresInitialQueryAfterLoginEvent(t *testing.T) {
	logger := &captureLogger{}
	rec := &recorder{}
	src := newControlledSource()
	g := startGuard(t, src, rec, guard.WithLogger(logger))

	receive(t, src.queried)
	src.emit(sessionFor("a"))
	waitDecision(t, g, guard.Authorized)

	src.answer <- queryAnswer{session: nil}
	require.Eventually(t, func() bool {
		return logger.saw("initial session query superseded by identity event")
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, guard.Authorized, g.Decision())
	assert.Equal(t, "a", g.Session().SubjectID())
}

func TestAccessGuardRefreshKeepsDecision(t *testing.T) {
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "u1", guard.RoleFarmer).Return(true, nil).Once()

	rec := &recorder{}
	src := guard.NewMemoryIdentitySource(sessionFor("u1"))
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleFarmer),
		guard.WithRoleResolver(resolver),
	)
	waitDecision(t, g, guard.Authorized)

	refreshed := sessionFor("u1")
	refreshed.TokenID = "rotated"
	src.Set(refreshed)

	require.Eventually(t, func() bool {
		return g.Session().TokenID == "rotated"
	}, waitFor, 5*time.Millisecond)

	src.SignOut()
	waitDecision(t, g, guard.Unauthenticated)

	assert.Equal(t, []guard.Decision{guard.Authorized, guard.Unauthenticated}, rec.Decisions())
	resolver.AssertNumberOfCalls(t, "HasRole", 1)
}

func TestAccessGuardCloseReleasesEverything(t *testing.T) {
	called := make(chan context.Context, 1)
	resolver := &MockRoleResolver{}
	resolver.On("HasRole", mock.Anything, "u1", guard.RoleAdmin).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			called <- ctx
			<-ctx.Done()
		}).
		Return(false, context.Canceled).Once()

	rec := &recorder{}
	src := guard.NewMemoryIdentitySource(sessionFor("u1"))
	g := startGuard(t, src, rec,
		guard.WithRequiredRole(guard.RoleAdmin),
		guard.WithRoleResolver(resolver),
	)

	checkCtx := receive(t, called)
	assert.Equal(t, 1, src.Listeners())

	g.Close()
	g.Close()

	receive(t, g.Done())
	assert.Error(t, checkCtx.Err())
	assert.Equal(t, 0, src.Listeners())

	src.Set(sessionFor("u2"))
	src.SignOut()

	assert.Equal(t, guard.Pending, g.Decision())
	assert.Empty(t, rec.Decisions())

	_, err := g.Wait(context.Background())
	assert.ErrorIs(t, err, guard.ErrGuardClosed)
}

func TestAccessGuardCloseAfterSettledKeepsLastDecision(t *testing.T) {
	rec := &recorder{}
	src := newControlledSource()
	g := startGuard(t, src, rec)

	receive(t, src.queried)
	src.answer <- queryAnswer{session: sessionFor("u1")}
	waitDecision(t, g, guard.Authorized)

	g.Close()
	assert.Equal(t, 1, src.cancelCount())

	src.emit(nil)
	assert.Equal(t, guard.Authorized, g.Decision())

	decision, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, guard.Authorized, decision)
}

func TestAccessGuardStartLifecycle(t *testing.T) {
	g, err := guard.NewAccessGuard(guard.NewMemoryIdentitySource(nil), guard.WithLogger(nopLogger{}))
	require.NoError(t, err)

	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), guard.ErrGuardStarted)

	g.Close()
	assert.ErrorIs(t, g.Start(context.Background()), guard.ErrGuardClosed)

	unstarted, err := guard.NewAccessGuard(guard.NewMemoryIdentitySource(nil))
	require.NoError(t, err)
	unstarted.Close()
	receive(t, unstarted.Done())
	assert.ErrorIs(t, unstarted.Start(context.Background()), guard.ErrGuardClosed)
}

func TestAccessGuardStopsWhenContextIsDone(t *testing.T) {
	src := guard.NewMemoryIdentitySource(sessionFor("u1"))
	g, err := guard.NewAccessGuard(src, guard.WithLogger(nopLogger{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.Start(ctx))
	waitDecision(t, g, guard.Authorized)

	cancel()
	receive(t, g.Done())
	require.Eventually(t, func() bool {
		return src.Listeners() == 0
	}, waitFor, 5*time.Millisecond)
}

func TestAccessGuardWatchDeliversLatestDecision(t *testing.T) {
	rec := &recorder{}
	src := newControlledSource()
	g := startGuard(t, src, rec)

	ch, stop := g.Watch()
	assert.Equal(t, guard.Pending, receive(t, ch))

	receive(t, src.queried)
	src.answer <- queryAnswer{session: nil}
	assert.Equal(t, guard.Unauthenticated, receive(t, ch))

	src.emit(sessionFor("u1"))
	assert.Equal(t, guard.Authorized, receive(t, ch))

	stop()
	stop()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestAccessGuardWaitHonoursContext(t *testing.T) {
	rec := &recorder{}
	src := newControlledSource()
	g := startGuard(t, src, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	decision, err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, guard.Pending, decision)
}

func TestAccessGuardActivitySinkErrorsAreAbsorbed(t *testing.T) {
	sink := guard.ActivitySinkFunc(func(context.Context, guard.ActivityEvent) error {
		return errors.New("sink down")
	})

	g, err := guard.NewAccessGuard(guard.NewMemoryIdentitySource(nil),
		guard.WithLogger(nopLogger{}),
		guard.WithActivitySink(sink),
		guard.WithName("farmer-dashboard"),
	)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Close()

	waitDecision(t, g, guard.Unauthenticated)
	assert.Equal(t, "farmer-dashboard", g.Name())
}

type blockingObserver struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (o *blockingObserver) ObserveDecision(string, guard.Decision) {
	o.once.Do(func() {
		close(o.entered)
		<-o.release
	})
}

func (o *blockingObserver) ObserveRoleCheck(guard.RoleCheckResult, time.Duration) {}

func TestCloseWaitsForInFlightNotification(t *testing.T) {
	observer := &blockingObserver{entered: make(chan struct{}), release: make(chan struct{})}

	var closed atomic.Bool
	var late atomic.Int32
	sink := guard.ActivitySinkFunc(func(context.Context, guard.ActivityEvent) error {
		if closed.Load() {
			late.Add(1)
		}
		return nil
	})

	g, err := guard.NewAccessGuard(guard.NewMemoryIdentitySource(sessionFor("u1")),
		guard.WithLogger(nopLogger{}),
		guard.WithObserver(observer),
		guard.WithActivitySink(sink),
	)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	receive[struct{}](t, observer.entered)

	closeDone := make(chan struct{})
	go func() {
		g.Close()
		closed.Store(true)
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a notification was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(observer.release)
	receive[struct{}](t, closeDone)
	receive(t, g.Done())

	assert.Zero(t, late.Load())
}
