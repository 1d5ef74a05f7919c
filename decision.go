package guard

// Decision is the guard's output for the view it protects.
type Decision int

const (
	// Pending means no authoritative answer yet: render a loading state.
	Pending Decision = iota
	// Unauthenticated means there is no usable session.
	Unauthenticated
	// Forbidden means the identity does not hold the required role, or the
	// lookup could not confirm it.
	Forbidden
	// Authorized means the protected content may render.
	Authorized
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Settled reports whether the decision is final for the current identity.
func (d Decision) Settled() bool {
	return d == Unauthenticated || d == Forbidden || d == Authorized
}

// RenderAction is what a view does with a Decision.
type RenderAction int

const (
	RenderLoading RenderAction = iota
	RedirectSignIn
	RedirectDefault
	RenderContent
)

func (a RenderAction) String() string {
	switch a {
	case RenderLoading:
		return "loading"
	case RedirectSignIn:
		return "redirect_sign_in"
	case RedirectDefault:
		return "redirect_default"
	case RenderContent:
		return "render"
	default:
		return "unknown"
	}
}

// Action maps a decision to the view's reaction. Anything unknown renders the
// loading state, never content.
func (d Decision) Action() RenderAction {
	switch d {
	case Unauthenticated:
		return RedirectSignIn
	case Forbidden:
		return RedirectDefault
	case Authorized:
		return RenderContent
	default:
		return RenderLoading
	}
}

// Location returns the redirect target for the decision, or "" when the view
// renders in place.
func (d Decision) Location(cfg Config) string {
	switch d.Action() {
	case RedirectSignIn:
		return cfg.GetSignInRoute()
	case RedirectDefault:
		return cfg.GetDefaultRoute()
	default:
		return ""
	}
}
