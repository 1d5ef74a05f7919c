package guard

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logger used across the package. Arguments are
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Listener receives identity-change events. A nil session means the client
// is signed out.
type Listener func(session *Session)

// CancelFunc releases a subscription. Calling it more than once is a no-op.
// It must not be called from inside the listener it cancels.
type CancelFunc func()

// IdentitySource exposes the current session and a stream of changes to it.
type IdentitySource interface {
	// CurrentSession returns the session at the time of the call, or nil when
	// nobody is signed in. Errors are transport failures.
	CurrentSession(ctx context.Context) (*Session, error)
	// Subscribe registers a listener for login, logout, refresh and
	// revocation events, delivered in the order they happen.
	Subscribe(listener Listener) (CancelFunc, error)
}

// RoleResolver answers whether a subject currently holds a role.
type RoleResolver interface {
	HasRole(ctx context.Context, subjectID string, role Role) (bool, error)
}

// RoleResolverFunc adapts a function to the RoleResolver interface.
type RoleResolverFunc func(ctx context.Context, subjectID string, role Role) (bool, error)

// HasRole implements RoleResolver.
func (f RoleResolverFunc) HasRole(ctx context.Context, subjectID string, role Role) (bool, error) {
	if f == nil {
		return false, ErrRoleResolverRequired
	}
	return f(ctx, subjectID, role)
}

// RoleLister lists every role held by a subject.
type RoleLister interface {
	RolesFor(ctx context.Context, subjectID string) ([]Role, error)
}

// RoleAssigner grants roles.
type RoleAssigner interface {
	Assign(ctx context.Context, subjectID string, role Role) error
}

// SessionStore keys identity sources by session id so a sign-out in one
// place reaches every guard watching that session.
type SessionStore interface {
	Source(sessionID string) IdentitySource
	Publish(ctx context.Context, sessionID string, session *Session) error
	Revoke(ctx context.Context, sessionID string) error
}

// RoleCheckResult labels how a role lookup ended.
type RoleCheckResult string

const (
	RoleCheckHeld      RoleCheckResult = "held"
	RoleCheckNotHeld   RoleCheckResult = "not_held"
	RoleCheckError     RoleCheckResult = "error"
	RoleCheckDiscarded RoleCheckResult = "discarded"
)

// Observer receives decision changes and role check outcomes, typically to
// feed metrics.
type Observer interface {
	ObserveDecision(guard string, decision Decision)
	ObserveRoleCheck(result RoleCheckResult, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveDecision(string, Decision)                 {}
func (noopObserver) ObserveRoleCheck(RoleCheckResult, time.Duration) {}

type defLogger struct{}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Print("[ERR] GUARD " + line(msg, args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Print("[WRN] GUARD " + line(msg, args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Print("[INF] GUARD " + line(msg, args))
}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Print("[DBG] GUARD " + line(msg, args))
}

func line(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
