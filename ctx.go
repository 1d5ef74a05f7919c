package guard

import "context"

var sessionCtxKey = &contextKey{"session"}
var decisionCtxKey = &contextKey{"decision"}

type contextKey struct {
	name string
}

// WithSessionContext sets the Session in the given context
func WithSessionContext(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, session)
}

// SessionFromContext finds the session from the context.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	raw, ok := ctx.Value(sessionCtxKey).(*Session)
	return raw, ok && raw != nil
}

// WithDecisionContext records the decision a request was served under.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey, decision)
}

// DecisionFromContext returns the recorded decision, Pending when absent.
func DecisionFromContext(ctx context.Context) Decision {
	raw, ok := ctx.Value(decisionCtxKey).(Decision)
	if !ok {
		return Pending
	}
	return raw
}

// Can reports whether the request context was authorized.
func Can(ctx context.Context) bool {
	return DecisionFromContext(ctx) == Authorized
}
