// Package casbinrole answers guard role checks from a casbin RBAC enforcer.
package casbinrole

import (
	"context"
	_ "embed"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	guard "github.com/goliatone/go-auth-guard"
	goerrors "github.com/goliatone/go-errors"
)

//go:embed model.conf
var casbinModelContent string

// Resolver keeps role assignments in an in-memory casbin enforcer.
type Resolver struct {
	enforcer *casbin.SyncedEnforcer
}

var (
	_ guard.RoleResolver = (*Resolver)(nil)
	_ guard.RoleLister   = (*Resolver)(nil)
	_ guard.RoleAssigner = (*Resolver)(nil)
)

// New creates a resolver with the embedded RBAC model and no assignments.
func New() (*Resolver, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to parse casbin model")
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create casbin enforcer")
	}

	return &Resolver{enforcer: enforcer}, nil
}

// Load adds assignments, typically read from the role store at startup.
func (r *Resolver) Load(ctx context.Context, assignments []guard.RoleAssignment) error {
	for _, a := range assignments {
		if err := r.Assign(ctx, a.SubjectID, a.Role); err != nil {
			return err
		}
	}
	return nil
}

// HasRole implements guard.RoleResolver.
func (r *Resolver) HasRole(ctx context.Context, subjectID string, role guard.Role) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	held, err := r.enforcer.HasRoleForUser(subjectID, string(role))
	if err != nil {
		return false, enforcerError(err, "failed to check casbin role", subjectID, role)
	}
	return held, nil
}

// RolesFor implements guard.RoleLister.
func (r *Resolver) RolesFor(ctx context.Context, subjectID string) ([]guard.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names, err := r.enforcer.GetRolesForUser(subjectID)
	if err != nil {
		return nil, enforcerError(err, "failed to list casbin roles", subjectID, guard.RoleNone)
	}

	roles := make([]guard.Role, 0, len(names))
	for _, name := range names {
		if role, ok := guard.ParseRole(name); ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// Assign implements guard.RoleAssigner.
func (r *Resolver) Assign(ctx context.Context, subjectID string, role guard.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !role.IsValid() {
		return guard.ErrUnknownRole.Clone().WithMetadata(map[string]any{"role": string(role)})
	}
	if _, err := r.enforcer.AddRoleForUser(subjectID, string(role)); err != nil {
		return enforcerError(err, "failed to assign casbin role", subjectID, role)
	}
	return nil
}

// Revoke removes role from subjectID.
func (r *Resolver) Revoke(ctx context.Context, subjectID string, role guard.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.enforcer.DeleteRoleForUser(subjectID, string(role)); err != nil {
		return enforcerError(err, "failed to revoke casbin role", subjectID, role)
	}
	return nil
}

func enforcerError(err error, msg, subjectID string, role guard.Role) error {
	metadata := map[string]any{"subject": subjectID}
	if role != guard.RoleNone {
		metadata["role"] = string(role)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).WithMetadata(metadata)
}
