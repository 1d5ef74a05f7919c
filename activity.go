package guard

import (
	"context"
	"time"
)

// ActivityEventType enumerates guard activity categories.
type ActivityEventType string

const (
	ActivityEventDecisionChanged   ActivityEventType = "guard.decision.changed"
	ActivityEventIdentityTransport ActivityEventType = "guard.identity.transport_error"
	ActivityEventRoleLookupFailed  ActivityEventType = "guard.role.lookup_failed"
	ActivityEventRoleNotHeld       ActivityEventType = "guard.role.not_held"
	ActivityEventRoleCheckStale    ActivityEventType = "guard.role.check_discarded"
)

// ActivityEvent captures audit-friendly information about a guard decision or
// a failure that was absorbed into one.
type ActivityEvent struct {
	EventType  ActivityEventType
	Guard      string
	SubjectID  string
	Role       Role
	Epoch      uint64
	From       Decision
	To         Decision
	Err        error
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// DiagnosticKind names a failure or notable outcome the guard absorbed.
type DiagnosticKind string

const (
	DiagnosticIdentityTransport DiagnosticKind = "identity_transport_error"
	DiagnosticRoleLookup        DiagnosticKind = "role_lookup_error"
	DiagnosticRoleNotHeld       DiagnosticKind = "role_not_held"
	DiagnosticStaleRoleCheck    DiagnosticKind = "stale_role_check"
)

// Diagnostic is the side channel record of why a decision was reached. Err
// carries the original cause as its source.
type Diagnostic struct {
	Kind      DiagnosticKind
	SubjectID string
	Role      Role
	Epoch     uint64
	Err       error
}

func (d Diagnostic) eventType() ActivityEventType {
	switch d.Kind {
	case DiagnosticIdentityTransport:
		return ActivityEventIdentityTransport
	case DiagnosticRoleLookup:
		return ActivityEventRoleLookupFailed
	case DiagnosticRoleNotHeld:
		return ActivityEventRoleNotHeld
	default:
		return ActivityEventRoleCheckStale
	}
}
