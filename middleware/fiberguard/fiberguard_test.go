package fiberguard_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/goliatone/go-auth-guard/middleware/fiberguard"
)

var signingKey = []byte("fiberguard-test-signing-key")

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newTokenService() *guard.TokenService {
	return guard.NewTokenService(signingKey, time.Hour, "khet-portal", jwt.ClaimStrings{"khet-portal"}, nopLogger{})
}

func issueToken(t *testing.T, ts *guard.TokenService, subject string) (string, *guard.Session) {
	t.Helper()
	token, session, err := ts.Issue(guard.Identity{
		SubjectID:  subject,
		Attributes: map[string]any{"email": subject + "@example.com"},
	})
	require.NoError(t, err)
	return token, session
}

func holds(roles ...guard.Role) guard.RoleResolverFunc {
	return func(_ context.Context, _ string, role guard.Role) (bool, error) {
		for _, r := range roles {
			if r == role {
				return true, nil
			}
		}
		return false, nil
	}
}

func protectedApp(cfg fiberguard.Config) *fiber.App {
	app := fiber.New()
	app.Get("/protected", fiberguard.New(cfg), func(c *fiber.Ctx) error {
		session, ok := guard.SessionFromContext(c.UserContext())
		if !ok {
			return c.Status(fiber.StatusInternalServerError).SendString("no session in context")
		}
		local, _ := c.Locals("session").(*guard.Session)
		return c.SendString(session.SubjectID() + ":" + local.SubjectID())
	})
	return app
}

func get(t *testing.T, app *fiber.App, token string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := app.Test(req, 2000)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header.Get(fiber.HeaderLocation), string(body)
}

func TestMiddlewareRedirectsWithoutToken(t *testing.T) {
	ts := newTokenService()
	app := protectedApp(fiberguard.Config{
		Source: fiberguard.TokenSource(ts, "", nopLogger{}),
	})

	status, location, _ := get(t, app, "")
	assert.Equal(t, fiber.StatusSeeOther, status)
	assert.Equal(t, "/auth", location)
}

func TestMiddlewareRedirectsInvalidToken(t *testing.T) {
	ts := newTokenService()
	app := protectedApp(fiberguard.Config{
		Source: fiberguard.TokenSource(ts, "", nopLogger{}),
	})

	status, location, _ := get(t, app, "not-a-token")
	assert.Equal(t, fiber.StatusSeeOther, status)
	assert.Equal(t, "/auth", location)
}

func TestMiddlewareAuthenticationOnly(t *testing.T) {
	ts := newTokenService()
	token, _ := issueToken(t, ts, "u1")
	app := protectedApp(fiberguard.Config{
		Source: fiberguard.TokenSource(ts, "", nopLogger{}),
	})

	status, _, body := get(t, app, token)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "u1:u1", body)
}

func TestMiddlewareRoleHeld(t *testing.T) {
	ts := newTokenService()
	token, _ := issueToken(t, ts, "admin-1")
	app := protectedApp(fiberguard.Config{
		Source:       fiberguard.TokenSource(ts, "", nopLogger{}),
		RequiredRole: guard.RoleAdmin,
		Resolver:     holds(guard.RoleAdmin),
	})

	status, _, body := get(t, app, token)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "admin-1:admin-1", body)
}

func TestMiddlewareForbiddenRedirectsToDefault(t *testing.T) {
	ts := newTokenService()
	token, _ := issueToken(t, ts, "farmer-1")
	app := protectedApp(fiberguard.Config{
		Source:       fiberguard.TokenSource(ts, "", nopLogger{}),
		RequiredRole: guard.RoleAdmin,
		Resolver:     holds(guard.RoleFarmer),
	})

	status, location, _ := get(t, app, token)
	assert.Equal(t, fiber.StatusSeeOther, status)
	assert.Equal(t, "/", location)
}

func TestMiddlewareLookupErrorFailsClosed(t *testing.T) {
	ts := newTokenService()
	token, _ := issueToken(t, ts, "admin-1")
	app := protectedApp(fiberguard.Config{
		Source:       fiberguard.TokenSource(ts, "", nopLogger{}),
		RequiredRole: guard.RoleAdmin,
		Resolver: guard.RoleResolverFunc(func(context.Context, string, guard.Role) (bool, error) {
			return true, errors.New("database is locked")
		}),
	})

	status, location, _ := get(t, app, token)
	assert.Equal(t, fiber.StatusSeeOther, status)
	assert.Equal(t, "/", location)
}

func TestMiddlewareLoadingWhileRoleCheckHangs(t *testing.T) {
	ts := newTokenService()
	token, _ := issueToken(t, ts, "admin-1")
	app := protectedApp(fiberguard.Config{
		Source:       fiberguard.TokenSource(ts, "", nopLogger{}),
		RequiredRole: guard.RoleAdmin,
		Timeout:      50 * time.Millisecond,
		Resolver: guard.RoleResolverFunc(func(ctx context.Context, _ string, _ guard.Role) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}),
	})

	req := httptest.NewRequest(fiber.MethodGet, "/protected", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := app.Test(req, 2000)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestMiddlewareMisconfiguredRole(t *testing.T) {
	ts := newTokenService()
	app := protectedApp(fiberguard.Config{
		Source:       fiberguard.TokenSource(ts, "", nopLogger{}),
		RequiredRole: guard.RoleAdmin,
	})

	status, _, _ := get(t, app, "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestMiddlewareFilterSkipsGuard(t *testing.T) {
	app := protectedApp(fiberguard.Config{
		Source: func(*fiber.Ctx) (guard.IdentitySource, error) {
			return nil, errors.New("source must not be built")
		},
		Filter: func(*fiber.Ctx) bool { return true },
	})

	status, _, body := get(t, app, "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "no session in context", body)
}

func TestStoreSourceFollowsRevocation(t *testing.T) {
	ts := newTokenService()
	hub := guard.NewSessionHub(nopLogger{})
	token, session := issueToken(t, ts, "u1")
	require.NoError(t, hub.Publish(context.Background(), session.TokenID, session))

	app := protectedApp(fiberguard.Config{
		Source: fiberguard.StoreSource(ts, hub, ""),
	})

	status, _, body := get(t, app, token)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "u1:u1", body)

	require.NoError(t, hub.Revoke(context.Background(), session.TokenID))

	status, location, _ := get(t, app, token)
	assert.Equal(t, fiber.StatusSeeOther, status)
	assert.Equal(t, "/auth", location)
}

func TestGetExtractors(t *testing.T) {
	app := fiber.New()
	extractors := fiberguard.GetExtractors("header:Authorization,cookie:khet_session,query:token")
	require.Len(t, extractors, 3)

	app.Get("/", func(c *fiber.Ctx) error {
		raw, err := fiberguard.ExtractRawToken(c, extractors)
		if err != nil {
			return c.SendString("missing")
		}
		return c.SendString(raw)
	})

	tests := []struct {
		name   string
		target string
		header string
		cookie string
		want   string
	}{
		{name: "bearer header", target: "/", header: "Bearer abc", want: "abc"},
		{name: "scheme is case insensitive", target: "/", header: "bearer abc", want: "abc"},
		{name: "wrong scheme", target: "/", header: "Basic abc", want: "missing"},
		{name: "cookie", target: "/", cookie: "def", want: "def"},
		{name: "query", target: "/?token=ghi", want: "ghi"},
		{name: "nothing", target: "/", want: "missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			if tt.cookie != "" {
				req.Header.Set(fiber.HeaderCookie, "khet_session="+tt.cookie)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestGetDefaultConfigRequiresSource(t *testing.T) {
	assert.Panics(t, func() {
		fiberguard.GetDefaultConfig(fiberguard.Config{})
	})

	cfg := fiberguard.GetDefaultConfig(fiberguard.Config{
		Source:       fiberguard.TokenSource(newTokenService(), "", nopLogger{}),
		RequiredRole: guard.RoleFarmer,
	})
	assert.Equal(t, "http:farmer", cfg.Name)
	assert.Equal(t, "session", cfg.ContextKey)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat)
}
