package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserRoleModel is the Bun model for role assignments.
type UserRoleModel struct {
	bun.BaseModel `bun:"table:user_roles"`

	ID        uuid.UUID `bun:"id,pk,nullzero,type:uuid"`
	UserID    string    `bun:"user_id,notnull"`
	Role      string    `bun:"role,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// UserRoleRepository stores role assignments and answers role checks for
// guards.
type UserRoleRepository struct {
	db bun.IDB
}

var (
	_ guard.RoleResolver = (*UserRoleRepository)(nil)
	_ guard.RoleLister   = (*UserRoleRepository)(nil)
	_ guard.RoleAssigner = (*UserRoleRepository)(nil)
)

// NewUserRoleRepository creates a new repository.
func NewUserRoleRepository(db bun.IDB) *UserRoleRepository {
	return &UserRoleRepository{db: db}
}

// WithTx returns a copy bound to tx.
func (r *UserRoleRepository) WithTx(tx bun.IDB) *UserRoleRepository {
	return &UserRoleRepository{db: tx}
}

// HasRole implements guard.RoleResolver.
func (r *UserRoleRepository) HasRole(ctx context.Context, subjectID string, role guard.Role) (bool, error) {
	return r.db.NewSelect().
		Model((*UserRoleModel)(nil)).
		Where("user_id = ? AND role = ?", subjectID, string(role)).
		Exists(ctx)
}

// RolesFor implements guard.RoleLister. Unknown role names are skipped.
func (r *UserRoleRepository) RolesFor(ctx context.Context, subjectID string) ([]guard.Role, error) {
	var models []UserRoleModel
	err := r.db.NewSelect().
		Model(&models).
		Where("user_id = ?", subjectID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []guard.Role{}, nil
		}
		return nil, err
	}

	roles := make([]guard.Role, 0, len(models))
	for _, m := range models {
		if role, ok := guard.ParseRole(m.Role); ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// Assignments lists every stored assignment with a known role.
func (r *UserRoleRepository) Assignments(ctx context.Context) ([]guard.RoleAssignment, error) {
	var models []UserRoleModel
	if err := r.db.NewSelect().Model(&models).Order("created_at ASC").Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []guard.RoleAssignment{}, nil
		}
		return nil, err
	}

	out := make([]guard.RoleAssignment, 0, len(models))
	for _, m := range models {
		if role, ok := guard.ParseRole(m.Role); ok {
			out = append(out, guard.RoleAssignment{SubjectID: m.UserID, Role: role})
		}
	}
	return out, nil
}

// Assign grants role to subjectID. Granting a held role is a no-op.
func (r *UserRoleRepository) Assign(ctx context.Context, subjectID string, role guard.Role) error {
	if !role.IsValid() {
		return guard.ErrUnknownRole.Clone().WithMetadata(map[string]any{
			"role": string(role),
		})
	}

	_, err := r.db.NewInsert().
		Model(&UserRoleModel{
			ID:        uuid.New(),
			UserID:    subjectID,
			Role:      string(role),
			CreatedAt: time.Now().UTC(),
		}).
		On("CONFLICT (user_id, role) DO NOTHING").
		Exec(ctx)
	return err
}

// Revoke removes role from subjectID.
func (r *UserRoleRepository) Revoke(ctx context.Context, subjectID string, role guard.Role) error {
	_, err := r.db.NewDelete().
		Model((*UserRoleModel)(nil)).
		Where("user_id = ? AND role = ?", subjectID, string(role)).
		Exec(ctx)
	return err
}

// CreateSchema creates the user_roles table and its unique index.
func (r *UserRoleRepository) CreateSchema(ctx context.Context) error {
	if _, err := r.db.NewCreateTable().
		Model((*UserRoleModel)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	_, err := r.db.NewCreateIndex().
		Model((*UserRoleModel)(nil)).
		Index("uq_user_roles_user_role").
		Unique().
		IfNotExists().
		Column("user_id", "role").
		Exec(ctx)
	return err
}
