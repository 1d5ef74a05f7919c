package fiberguard

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	guard "github.com/goliatone/go-auth-guard"
)

var (
	defaultTokenLookup = "header:" + fiber.HeaderAuthorization
	// ErrTokenMissing is returned by the extractors when a request carries no
	// session token.
	ErrTokenMissing = errors.New("missing or malformed session token")
)

// SourceFunc builds the identity source a request is guarded against.
type SourceFunc func(c *fiber.Ctx) (guard.IdentitySource, error)

type Config struct {
	Filter func(*fiber.Ctx) bool
	// Source is required.
	Source SourceFunc
	// RequiredRole is empty for authentication-only routes.
	RequiredRole guard.Role
	Resolver     guard.RoleResolver
	// Routes provides the sign-in and default redirect targets.
	Routes guard.Config
	// Timeout bounds how long a request waits for a settled decision.
	Timeout time.Duration
	// LoadingHandler answers requests whose decision is still pending when
	// Timeout elapses.
	LoadingHandler fiber.Handler
	// ErrorHandler answers requests the guard could not be built for.
	ErrorHandler fiber.ErrorHandler
	ContextKey   string
	Name         string
	// Heartbeat is the comment interval on decision streams.
	Heartbeat time.Duration
	Logger    guard.Logger
	Observer  guard.Observer
	Sink      guard.ActivitySink
}

// New returns a handler that holds each request until the guard settles and
// then renders, redirects, or answers with the loading state.
func New(config ...Config) fiber.Handler {
	cfg := GetDefaultConfig(config...)
	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		g, release, err := cfg.open(c)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}
		defer release()

		ctx, cancel := context.WithTimeout(c.UserContext(), cfg.Timeout)
		defer cancel()

		if err := g.Start(ctx); err != nil {
			return cfg.ErrorHandler(c, err)
		}

		decision, err := g.Wait(ctx)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			cfg.Logger.Debug("guard wait ended", "guard", cfg.Name, "path", c.Path(), "error", err)
		}

		switch decision.Action() {
		case guard.RenderContent:
			session := g.Session()
			c.Locals(cfg.ContextKey, session)
			uctx := guard.WithSessionContext(c.UserContext(), session)
			c.SetUserContext(guard.WithDecisionContext(uctx, decision))
			return c.Next()
		case guard.RedirectSignIn, guard.RedirectDefault:
			return c.Redirect(decision.Location(cfg.Routes), fiber.StatusSeeOther)
		default:
			return cfg.LoadingHandler(c)
		}
	}
}

// open builds the request's source and guard. release closes both.
func (cfg Config) open(c *fiber.Ctx) (*guard.AccessGuard, func(), error) {
	source, err := cfg.Source(c)
	if err != nil {
		return nil, nil, err
	}

	closeSource := func() {
		if closer, ok := source.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	g, err := guard.NewAccessGuard(source,
		guard.WithName(cfg.Name),
		guard.WithRequiredRole(cfg.RequiredRole),
		guard.WithRoleResolver(cfg.Resolver),
		guard.WithLogger(cfg.Logger),
		guard.WithObserver(cfg.Observer),
		guard.WithActivitySink(cfg.Sink),
	)
	if err != nil {
		closeSource()
		return nil, nil, err
	}

	return g, func() {
		g.Close()
		closeSource()
	}, nil
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Source == nil {
		panic("GUARD: middleware configuration: Source is required.")
	}

	if cfg.Routes == nil {
		cfg.Routes = guard.DefaultConfig()
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Routes.GetLoadingTimeout()
	}

	if cfg.LoadingHandler == nil {
		cfg.LoadingHandler = func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, "1")
			return c.Status(fiber.StatusAccepted).SendString("Checking access")
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).SendString("Access check unavailable")
		}
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "session"
	}

	if cfg.Name == "" {
		cfg.Name = "http"
		if cfg.RequiredRole != guard.RoleNone {
			cfg.Name = "http:" + cfg.RequiredRole.String()
		}
	}

	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	return cfg
}

// TokenSource builds a request-scoped source from the token found by
// tokenLookup. A missing or invalid token yields a signed out source.
func TokenSource(validator guard.TokenValidator, tokenLookup string, logger guard.Logger) SourceFunc {
	extractors := GetExtractors(tokenLookup)
	return func(c *fiber.Ctx) (guard.IdentitySource, error) {
		source := guard.NewTokenIdentitySource(validator, logger)
		raw, err := ExtractRawToken(c, extractors)
		if err != nil {
			return source, nil
		}
		// SetToken leaves the source signed out on failure.
		_ = source.SetToken(raw)
		return source, nil
	}
}

// StoreSource validates the request token and then follows the stored
// session it names, so a revocation reaches the request even while the
// token itself is still valid.
func StoreSource(validator guard.TokenValidator, store guard.SessionStore, tokenLookup string) SourceFunc {
	extractors := GetExtractors(tokenLookup)
	return func(c *fiber.Ctx) (guard.IdentitySource, error) {
		raw, err := ExtractRawToken(c, extractors)
		if err != nil {
			return guard.NewMemoryIdentitySource(nil), nil
		}
		session, err := validator.Validate(raw)
		if err != nil || session == nil || session.TokenID == "" {
			return guard.NewMemoryIdentitySource(nil), nil
		}
		return store.Source(session.TokenID), nil
	}
}

func ExtractRawToken(c *fiber.Ctx, extractors []TokenExtractor) (string, error) {
	raw, err := "", ErrTokenMissing
	for _, extractor := range extractors {
		raw, err = extractor(c)
		if raw != "" && err == nil {
			break
		}
	}
	return raw, err
}

type TokenExtractor func(c *fiber.Ctx) (string, error)

// GetExtractors parses a lookup such as
// "header:Authorization,cookie:khet_session,query:token".
func GetExtractors(tokenLookup string, authSchemes ...string) []TokenExtractor {
	if tokenLookup == "" {
		tokenLookup = defaultTokenLookup
	}

	authScheme := "Bearer"
	if len(authSchemes) > 0 {
		authScheme = authSchemes[0]
	}

	extractors := make([]TokenExtractor, 0)
	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.Split(strings.TrimSpace(rootPart), ":")
		if len(parts) != 2 {
			continue
		}
		for i, el := range parts {
			parts[i] = strings.TrimSpace(el)
		}

		switch parts[0] {
		case "header":
			extractors = append(extractors, tokenFromHeader(parts[1], authScheme))
		case "query":
			extractors = append(extractors, tokenFromQuery(parts[1]))
		case "param":
			extractors = append(extractors, tokenFromParam(parts[1]))
		case "cookie":
			extractors = append(extractors, tokenFromCookie(parts[1]))
		}
	}
	return extractors
}

func tokenFromHeader(header, authScheme string) TokenExtractor {
	authScheme = strings.TrimSpace(authScheme)
	return func(c *fiber.Ctx) (string, error) {
		a := c.Get(header)
		l := len(authScheme)
		if l == 0 {
			return "", ErrTokenMissing
		}
		if len(a) > l+1 && strings.EqualFold(a[:l], authScheme) {
			return strings.TrimSpace(a[l:]), nil
		}
		return "", ErrTokenMissing
	}
}

func tokenFromQuery(param string) TokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		if token := c.Query(param); token != "" {
			return token, nil
		}
		return "", ErrTokenMissing
	}
}

func tokenFromParam(param string) TokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		if token := c.Params(param); token != "" {
			return token, nil
		}
		return "", ErrTokenMissing
	}
}

func tokenFromCookie(name string) TokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		if token := c.Cookies(name); token != "" {
			return token, nil
		}
		return "", ErrTokenMissing
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
