package guard_test

import (
	"context"
	"sync"
	"time"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/stretchr/testify/mock"
)

// MockRoleResolver implements guard.RoleResolver
type MockRoleResolver struct {
	mock.Mock
}

func (m *MockRoleResolver) HasRole(ctx context.Context, subjectID string, role guard.Role) (bool, error) {
	args := m.Called(ctx, subjectID, role)
	return args.Bool(0), args.Error(1)
}

// MockRoleLister implements guard.RoleLister
type MockRoleLister struct {
	mock.Mock
}

func (m *MockRoleLister) RolesFor(ctx context.Context, subjectID string) ([]guard.Role, error) {
	args := m.Called(ctx, subjectID)
	if roles := args.Get(0); roles != nil {
		return roles.([]guard.Role), args.Error(1)
	}
	return nil, args.Error(1)
}

// controlledSource lets a test decide when the initial query answers and
// push events through the subscribed listener.
type controlledSource struct {
	mu           sync.Mutex
	listener     guard.Listener
	subscribed   chan struct{}
	queried      chan struct{}
	answer       chan queryAnswer
	subscribeErr error
	cancels      int
}

type queryAnswer struct {
	session *guard.Session
	err     error
}

func newControlledSource() *controlledSource {
	return &controlledSource{
		subscribed: make(chan struct{}),
		queried:    make(chan struct{}, 1),
		answer:     make(chan queryAnswer, 1),
	}
}

func (s *controlledSource) CurrentSession(ctx context.Context) (*guard.Session, error) {
	s.queried <- struct{}{}
	select {
	case a := <-s.answer:
		return a.session, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *controlledSource) Subscribe(listener guard.Listener) (guard.CancelFunc, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.subscribed)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listener = nil
		s.cancels++
	}, nil
}

func (s *controlledSource) emit(session *guard.Session) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener(session)
	}
}

func (s *controlledSource) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// recorder captures decisions, role check results and activity events.
type recorder struct {
	mu        sync.Mutex
	decisions []guard.Decision
	checks    []guard.RoleCheckResult
	events    []guard.ActivityEvent
}

func (r *recorder) ObserveDecision(_ string, d guard.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) ObserveRoleCheck(result guard.RoleCheckResult, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, result)
}

func (r *recorder) Record(_ context.Context, event guard.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Decisions() []guard.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]guard.Decision(nil), r.decisions...)
}

func (r *recorder) Checks() []guard.RoleCheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]guard.RoleCheckResult(nil), r.checks...)
}

func (r *recorder) Events(eventType guard.ActivityEventType) []guard.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []guard.ActivityEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func sessionFor(subject string) *guard.Session {
	return &guard.Session{
		Identity: guard.Identity{
			SubjectID:  subject,
			Attributes: map[string]any{"email": subject + "@example.com"},
		},
		TokenID: subject + "-token",
	}
}
