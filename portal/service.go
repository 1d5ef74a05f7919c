package portal

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	guard "github.com/goliatone/go-auth-guard"
	portalrepo "github.com/goliatone/go-auth-guard/repository"
)

// Service handles sign up, sign in and sign out for the portal.
type Service struct {
	repo     portalrepo.RepositoryManager
	tokens   *guard.TokenService
	sessions guard.SessionStore
	landing  *guard.LandingResolver
	mirror   guard.RoleAssigner
	logger   guard.Logger
	hashCost int
}

// Option configures a Service.
type Option func(*Service)

// WithRoleMirror copies every new role assignment to assigner once the
// registration commits. Used to keep an in-memory role engine in sync.
func WithRoleMirror(assigner guard.RoleAssigner) Option {
	return func(s *Service) {
		s.mirror = assigner
	}
}

func WithLogger(logger guard.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHashCost sets the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(s *Service) {
		s.hashCost = cost
	}
}

// NewService wires the portal flows.
func NewService(repo portalrepo.RepositoryManager, tokens *guard.TokenService, sessions guard.SessionStore, landing *guard.LandingResolver, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		tokens:   tokens,
		sessions: sessions,
		landing:  landing,
		logger:   nopLogger{},
		hashCost: DefaultHashCost,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register creates an account and its role in one transaction.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*portalrepo.Account, error) {
	req.Email = normalizeEmail(req.Email)
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if err := req.Validate(); err != nil {
		return nil, invalidPayload(err, "invalid registration payload")
	}
	role, _ := guard.ParseRole(req.Role)

	hash, err := HashPassword(req.Password, s.hashCost)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	var account *portalrepo.Account
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		created, err := s.repo.Accounts().RegisterTx(ctx, tx, &portalrepo.Account{
			Email:        req.Email,
			PasswordHash: hash,
		})
		if err != nil {
			return err
		}
		if err := s.repo.UserRoles().WithTx(tx).Assign(ctx, created.SubjectID(), role); err != nil {
			return err
		}
		account = created
		return nil
	})
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "registration transaction failed")
	}

	if s.mirror != nil {
		if err := s.mirror.Assign(ctx, account.SubjectID(), role); err != nil {
			s.logger.Error("role mirror assign failed", "subject", account.SubjectID(), "role", role, "error", err)
		}
	}

	s.logger.Info("account registered", "subject", account.SubjectID(), "role", role)
	return account, nil
}

// SignInResult is what a successful credential check produces.
type SignInResult struct {
	Token    string         `json:"-"`
	Session  *guard.Session `json:"session"`
	Role     guard.Role     `json:"role"`
	Location string         `json:"location"`
}

// SignIn verifies credentials, issues a session token, publishes the
// session and resolves the landing route. A subject holding no known role
// stays signed in but the result points at the sign in route and the error
// is ErrRoleNotFound.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return nil, invalidPayload(err, "invalid sign in payload")
	}

	account, err := s.repo.Accounts().GetByIdentifier(ctx, req.Email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve account during sign in")
	}

	if err := ComparePasswordAndHash(req.Password, account.PasswordHash); err != nil {
		s.logger.Info("sign in rejected", "subject", account.SubjectID())
		return nil, err
	}

	token, session, err := s.tokens.Issue(guard.Identity{
		SubjectID:  account.SubjectID(),
		Attributes: map[string]any{"email": account.Email},
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to issue session token")
	}

	if err := s.sessions.Publish(ctx, session.TokenID, session); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish session")
	}

	result := &SignInResult{Token: token, Session: session}
	result.Role, result.Location, err = s.landing.Resolve(ctx, session)
	return result, err
}

// SignOut revokes the session so every guard watching it signs out.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to revoke session")
	}
	s.logger.Debug("session signed out", "sid", sessionID)
	return nil
}

// Landing resolves where session should land.
func (s *Service) Landing(ctx context.Context, session *guard.Session) (guard.Role, string, error) {
	return s.landing.Resolve(ctx, session)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
