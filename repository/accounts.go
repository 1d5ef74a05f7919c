package repository

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const TextCodeAlreadyRegistered = "ALREADY_REGISTERED"

// ErrAlreadyRegistered is returned when an email is taken.
var ErrAlreadyRegistered = goerrors.New("this email is already registered, please sign in instead", goerrors.CategoryConflict).
	WithTextCode(TextCodeAlreadyRegistered).
	WithCode(goerrors.CodeConflict)

// Account is a portal login.
type Account struct {
	bun.BaseModel `bun:"table:accounts"`

	ID           uuid.UUID `bun:"id,pk,nullzero,type:uuid" json:"id"`
	Email        string    `bun:"email,notnull,unique" json:"email"`
	PasswordHash string    `bun:"password_hash,notnull" json:"-"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// SubjectID is the identifier guards see for the account.
func (a *Account) SubjectID() string {
	if a == nil {
		return ""
	}
	return a.ID.String()
}

type Accounts interface {
	repository.Repository[*Account]

	Register(ctx context.Context, account *Account) (*Account, error)
	RegisterTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error)
}

type accounts struct {
	repository.Repository[*Account]
	db *bun.DB
}

var (
	_ Accounts                        = (*accounts)(nil)
	_ repository.Repository[*Account] = (*accounts)(nil)
)

func NewAccountsRepository(db *bun.DB) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &accounts{
		Repository: repo,
		db:         db,
	}
}

func (a *accounts) Register(ctx context.Context, account *Account) (*Account, error) {
	return a.RegisterTx(ctx, a.db, account)
}

// RegisterTx creates account, failing with ErrAlreadyRegistered when the
// email is taken.
func (a *accounts) RegisterTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error) {
	if account == nil {
		return nil, goerrors.New("account must not be nil", goerrors.CategoryBadInput)
	}

	prepareAccountDefaults(account)

	existing, err := a.Repository.GetByIdentifierTx(ctx, tx, account.Email)
	if err == nil && existing != nil {
		return nil, ErrAlreadyRegistered.Clone().WithMetadata(map[string]any{
			"email": account.Email,
		})
	}
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up account")
	}

	return a.Repository.CreateTx(ctx, tx, account)
}

func prepareAccountDefaults(account *Account) {
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
}

// CreateAccountsSchema creates the accounts table.
func CreateAccountsSchema(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*Account)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}
