package guard

import (
	"context"
	"slices"
)

// LandingResolver picks where a signed in subject goes first, based on the
// highest priority role it holds.
type LandingResolver struct {
	roles  RoleLister
	cfg    Config
	logger Logger
}

// NewLandingResolver returns a resolver reading roles from roles.
func NewLandingResolver(roles RoleLister, cfg Config, logger Logger) *LandingResolver {
	return &LandingResolver{
		roles:  roles,
		cfg:    cfg,
		logger: normalizeLogger(logger),
	}
}

// Resolve returns the landing route for session. Without a session, or when
// no role can be found, it returns the sign in route; the latter also
// returns ErrRoleNotFound (or a role lookup error).
func (r *LandingResolver) Resolve(ctx context.Context, session *Session) (Role, string, error) {
	subject := session.SubjectID()
	if subject == "" {
		return RoleNone, r.cfg.GetSignInRoute(), nil
	}

	roles, err := r.roles.RolesFor(ctx, subject)
	if err != nil {
		r.logger.Warn("landing role lookup failed", "subject", subject, "error", err)
		return RoleNone, r.cfg.GetSignInRoute(), withCause(ErrRoleLookup, err, map[string]any{"subject": subject})
	}

	for _, role := range GetAllRoles() {
		if slices.Contains(roles, role) {
			return role, r.cfg.GetLandingRoute(role), nil
		}
	}

	r.logger.Info("signed in subject has no role", "subject", subject)
	return RoleNone, r.cfg.GetSignInRoute(), withCause(ErrRoleNotFound, nil, map[string]any{"subject": subject})
}
