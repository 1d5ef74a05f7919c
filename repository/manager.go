package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Accounts() Accounts
	UserRoles() *UserRoleRepository
	Migrate(ctx context.Context) error
}

type mngr struct {
	db        *bun.DB
	accounts  Accounts
	userRoles *UserRoleRepository
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:        db,
		accounts:  NewAccountsRepository(db),
		userRoles: NewUserRoleRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}

	if m.userRoles == nil {
		return errors.New("repository userRoles should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

// Migrate creates any missing tables.
func (m mngr) Migrate(ctx context.Context) error {
	if err := CreateAccountsSchema(ctx, m.db); err != nil {
		return err
	}
	return m.userRoles.CreateSchema(ctx)
}

func (m mngr) Accounts() Accounts {
	return m.accounts
}

func (m mngr) UserRoles() *UserRoleRepository {
	return m.userRoles
}
