// Package guard decides, for every protected view, whether the visiting client
// may see it.
//
// Access decisions:
//   - AccessGuard combines an IdentitySource (who is signed in, and a stream of
//     changes to that) with an optional RoleResolver (does that identity hold
//     the required role). It publishes one Decision: Pending, Unauthenticated,
//     Forbidden or Authorized. Views map it to a RenderAction.
//   - All observations (the initial session query, subscription events, role
//     lookup completions) are posted to a single mailbox and applied by one
//     goroutine through the pure Transition function, so late results for an
//     older identity are discarded by epoch instead of by locking.
//   - Every failure fails closed: identity transport errors resolve to
//     Unauthenticated, role lookup errors resolve to Forbidden.
//
// Diagnostics:
//   - Failures are never returned to the view. They are reported as Diagnostic
//     values to the Logger and the ActivitySink so operators can tell an
//     unreachable identity service from a missing role assignment.
//
// Identity sources:
//   - MemoryIdentitySource keeps the session in process, TokenIdentitySource
//     derives it from signed session tokens and signs out on expiry, and
//     adapters/redissource shares it across processes through Redis pub/sub.
//
// Serving:
//   - middleware/fiberguard runs one guard per request and redirects or
//     renders on its decision, and streams decision changes over SSE.
//   - portal wires sign-up, sign-in and the guarded areas on top of it.
package guard
