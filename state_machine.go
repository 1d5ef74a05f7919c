package guard

// Phase is the guard's internal state.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseUnauthenticated
	PhaseRoleChecking
	PhaseAuthorized
	PhaseForbidden
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseRoleChecking:
		return "role_checking"
	case PhaseAuthorized:
		return "authorized"
	case PhaseForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// State is the value Transition works on. The zero value is not usable, build
// one with NewState.
type State struct {
	Phase        Phase
	RequiredRole Role
	// SubjectID is the current identity, "" when signed out.
	SubjectID string
	// Epoch increases on every identity change. Role check results carry the
	// epoch they were started under and are discarded if it moved on.
	Epoch uint64
	// Observed is set once a subscription event has been applied. From then
	// on the initial point-in-time query can only carry older information.
	Observed bool
}

// NewState returns the Initializing state for a guard requiring role
// (RoleNone for authentication only).
func NewState(role Role) State {
	return State{Phase: PhaseInitializing, RequiredRole: role}
}

// Decision is the externally visible decision for the state.
func (s State) Decision() Decision {
	switch s.Phase {
	case PhaseUnauthenticated:
		return Unauthenticated
	case PhaseAuthorized:
		return Authorized
	case PhaseForbidden:
		return Forbidden
	default:
		return Pending
	}
}

// Input is an observation fed to Transition.
type Input interface {
	isInput()
}

// SessionObserved carries a session (nil when signed out) from either the
// initial query or a subscription event. Err is a transport failure.
type SessionObserved struct {
	Session *Session
	Err     error
	Initial bool
}

// RoleResolved carries the result of a role check started for Epoch.
type RoleResolved struct {
	Epoch     uint64
	SubjectID string
	Held      bool
	Err       error
}

func (SessionObserved) isInput() {}
func (RoleResolved) isInput()    {}

// Effect is work Transition asks the caller to perform.
type Effect interface {
	isEffect()
}

// StartRoleCheck asks for HasRole(SubjectID, Role) tagged with Epoch.
type StartRoleCheck struct {
	Epoch     uint64
	SubjectID string
	Role      Role
}

// CancelRoleCheck abandons the check started for Epoch.
type CancelRoleCheck struct {
	Epoch uint64
}

// Diagnose reports an absorbed failure or a discarded result.
type Diagnose struct {
	Diagnostic Diagnostic
}

func (StartRoleCheck) isEffect()  {}
func (CancelRoleCheck) isEffect() {}
func (Diagnose) isEffect()        {}

// Transition applies one input to a state. It is pure: the same state and
// input always produce the same result.
func Transition(s State, in Input) (State, []Effect) {
	switch in := in.(type) {
	case SessionObserved:
		return observeSession(s, in)
	case RoleResolved:
		return resolveRole(s, in)
	default:
		return s, nil
	}
}

func observeSession(s State, in SessionObserved) (State, []Effect) {
	if in.Initial && s.Observed {
		return s, nil
	}

	next := s
	if !in.Initial {
		next.Observed = true
	}

	var effects []Effect
	subject := in.Session.SubjectID()

	if in.Err != nil || subject == "" {
		if s.Phase == PhaseRoleChecking {
			effects = append(effects, CancelRoleCheck{Epoch: s.Epoch})
		}
		if in.Err != nil {
			effects = append(effects, Diagnose{Diagnostic: Diagnostic{
				Kind:      DiagnosticIdentityTransport,
				SubjectID: s.SubjectID,
				Role:      s.RequiredRole,
				Epoch:     s.Epoch,
				Err: withCause(ErrIdentityTransport, in.Err, map[string]any{
					"initial": in.Initial,
				}),
			}})
		}
		if s.SubjectID != "" {
			next.Epoch = s.Epoch + 1
		}
		next.SubjectID = ""
		next.Phase = PhaseUnauthenticated
		return next, effects
	}

	// token refresh for the current identity: keep the decision and any check
	// already in flight
	if subject == s.SubjectID {
		return next, nil
	}

	if s.Phase == PhaseRoleChecking {
		effects = append(effects, CancelRoleCheck{Epoch: s.Epoch})
	}

	next.Epoch = s.Epoch + 1
	next.SubjectID = subject

	if s.RequiredRole == RoleNone {
		next.Phase = PhaseAuthorized
		return next, effects
	}

	next.Phase = PhaseRoleChecking
	effects = append(effects, StartRoleCheck{
		Epoch:     next.Epoch,
		SubjectID: subject,
		Role:      s.RequiredRole,
	})
	return next, effects
}

func resolveRole(s State, in RoleResolved) (State, []Effect) {
	if s.Phase != PhaseRoleChecking || in.Epoch != s.Epoch || in.SubjectID != s.SubjectID {
		return s, []Effect{Diagnose{Diagnostic: Diagnostic{
			Kind:      DiagnosticStaleRoleCheck,
			SubjectID: in.SubjectID,
			Role:      s.RequiredRole,
			Epoch:     in.Epoch,
			Err:       in.Err,
		}}}
	}

	next := s
	meta := map[string]any{
		"subject": in.SubjectID,
		"role":    string(s.RequiredRole),
		"epoch":   in.Epoch,
	}

	switch {
	case in.Err != nil:
		next.Phase = PhaseForbidden
		return next, []Effect{Diagnose{Diagnostic: Diagnostic{
			Kind:      DiagnosticRoleLookup,
			SubjectID: in.SubjectID,
			Role:      s.RequiredRole,
			Epoch:     in.Epoch,
			Err:       withCause(ErrRoleLookup, in.Err, meta),
		}}}
	case !in.Held:
		next.Phase = PhaseForbidden
		return next, []Effect{Diagnose{Diagnostic: Diagnostic{
			Kind:      DiagnosticRoleNotHeld,
			SubjectID: in.SubjectID,
			Role:      s.RequiredRole,
			Epoch:     in.Epoch,
			Err:       withCause(ErrRoleNotHeld, nil, meta),
		}}}
	default:
		next.Phase = PhaseAuthorized
		return next, nil
	}
}

func roleCheckResult(effects []Effect) RoleCheckResult {
	for _, effect := range effects {
		diag, ok := effect.(Diagnose)
		if !ok {
			continue
		}
		switch diag.Diagnostic.Kind {
		case DiagnosticStaleRoleCheck:
			return RoleCheckDiscarded
		case DiagnosticRoleLookup:
			return RoleCheckError
		case DiagnosticRoleNotHeld:
			return RoleCheckNotHeld
		}
	}
	return RoleCheckHeld
}
