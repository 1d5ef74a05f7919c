package portal

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goerrors "github.com/goliatone/go-errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/goliatone/go-auth-guard/middleware/fiberguard"
)

// ControllerRoutes are the paths the portal serves.
type ControllerRoutes struct {
	Home    string
	SignIn  string
	SignUp  string
	Login   string
	Logout  string
	Admin   string
	Farmer  string
	Forum   string
	Events  string
	Metrics string
}

type Controller struct {
	Service  *Service
	Config   guard.Config
	Tokens   guard.TokenValidator
	Sessions guard.SessionStore
	Roles    guard.RoleResolver
	Logger   guard.Logger
	Observer guard.Observer
	Sink     guard.ActivitySink
	Gatherer prometheus.Gatherer
	Routes   *ControllerRoutes
}

type ControllerOption func(*Controller) *Controller

func WithControllerLogger(logger guard.Logger) ControllerOption {
	return func(c *Controller) *Controller {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithGuardTelemetry feeds every route guard to observer and sink.
func WithGuardTelemetry(observer guard.Observer, sink guard.ActivitySink) ControllerOption {
	return func(c *Controller) *Controller {
		c.Observer = observer
		c.Sink = sink
		return c
	}
}

// WithMetricsGatherer exposes gatherer on the metrics route.
func WithMetricsGatherer(gatherer prometheus.Gatherer) ControllerOption {
	return func(c *Controller) *Controller {
		c.Gatherer = gatherer
		return c
	}
}

// NewController builds the portal controller. Roles answers route guards,
// Tokens and Sessions resolve the request identity.
func NewController(svc *Service, cfg guard.Config, tokens guard.TokenValidator, sessions guard.SessionStore, roles guard.RoleResolver, opts ...ControllerOption) *Controller {
	c := &Controller{
		Service:  svc,
		Config:   cfg,
		Tokens:   tokens,
		Sessions: sessions,
		Roles:    roles,
		Logger:   nopLogger{},
		Routes: &ControllerRoutes{
			Home:    "/",
			SignIn:  cfg.GetSignInRoute(),
			SignUp:  cfg.GetSignInRoute() + "/sign-up",
			Login:   cfg.GetSignInRoute() + "/sign-in",
			Logout:  cfg.GetSignInRoute() + "/sign-out",
			Admin:   cfg.GetLandingRoute(guard.RoleAdmin),
			Farmer:  cfg.GetLandingRoute(guard.RoleFarmer),
			Forum:   "/forum",
			Events:  "/session/events",
			Metrics: "/metrics",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Service == nil {
		panic("Missing Service in portal controller...")
	}

	if c.Tokens == nil || c.Sessions == nil {
		panic("Missing token validator or session store in portal controller...")
	}

	return c
}

// RegisterRoutes mounts the portal on app.
func RegisterRoutes(app fiber.Router, c *Controller) {
	app.Get(c.Routes.Home, c.Home).Name("home.get")
	app.Get(c.Routes.SignIn, c.SignInShow).Name("sign-in.get")
	app.Post(c.Routes.SignUp, c.RegistrationCreate).Name("sign-up.post")
	app.Post(c.Routes.Login, c.LoginPost).Name("sign-in.post")
	app.Post(c.Routes.Logout, c.LogOut).Name("sign-out.post")

	app.Get(c.Routes.Admin, c.Guard(guard.RoleAdmin), c.Page("admin")).Name("admin.get")
	app.Get(c.Routes.Farmer, c.Guard(guard.RoleNone), c.Page("farmer")).Name("farmer.get")
	app.Get(c.Routes.Forum, c.Guard(guard.RoleNone), c.Page("forum")).Name("forum.get")
	app.Get(c.Routes.Events, fiberguard.Stream(c.guardConfig(guard.RoleNone))).Name("session-events.get")

	if c.Gatherer != nil {
		app.Get(c.Routes.Metrics, adaptor.HTTPHandler(promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))).
			Name("metrics.get")
	}
}

// Guard protects a route with role, or authentication only for RoleNone.
func (c *Controller) Guard(role guard.Role) fiber.Handler {
	return fiberguard.New(c.guardConfig(role))
}

func (c *Controller) guardConfig(role guard.Role) fiberguard.Config {
	return fiberguard.Config{
		Source:       fiberguard.StoreSource(c.Tokens, c.Sessions, c.tokenLookup()),
		RequiredRole: role,
		Resolver:     c.Roles,
		Routes:       c.Config,
		Timeout:      c.Config.GetLoadingTimeout(),
		Logger:       c.Logger,
		Observer:     c.Observer,
		Sink:         c.Sink,
	}
}

func (c *Controller) tokenLookup() string {
	return "cookie:" + c.Config.GetCookieName() + ",header:" + fiber.HeaderAuthorization
}

// Page renders a guarded page for the session the guard admitted.
func (c *Controller) Page(name string) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		session, ok := guard.SessionFromContext(ctx.UserContext())
		if !ok {
			return ctx.Redirect(c.Routes.SignIn, fiber.StatusSeeOther)
		}
		return ctx.JSON(fiber.Map{
			"page":    name,
			"subject": session.SubjectID(),
			"email":   session.Identity.Email(),
		})
	}
}

// Home forwards signed in visitors to their landing route.
func (c *Controller) Home(ctx *fiber.Ctx) error {
	if session := c.currentSession(ctx); session != nil {
		if _, location, err := c.Service.Landing(ctx.UserContext(), session); err == nil {
			return ctx.Redirect(location, fiber.StatusSeeOther)
		}
	}
	return ctx.JSON(fiber.Map{
		"page":    "home",
		"sign_in": c.Routes.SignIn,
	})
}

func (c *Controller) SignInShow(ctx *fiber.Ctx) error {
	return ctx.JSON(fiber.Map{
		"page":    "sign-in",
		"sign_in": c.Routes.Login,
		"sign_up": c.Routes.SignUp,
		"roles":   guard.GetAllRoles(),
	})
}

func (c *Controller) RegistrationCreate(ctx *fiber.Ctx) error {
	payload := new(RegisterRequest)
	if err := ctx.BodyParser(payload); err != nil {
		c.Logger.Error("register parse payload", "error", err)
		return c.errorResponse(ctx, invalidPayload(err, "failed to parse registration payload"))
	}

	account, err := c.Service.Register(ctx.UserContext(), *payload)
	if err != nil {
		c.Logger.Warn("register failed", "error", err)
		return c.errorResponse(ctx, err)
	}

	return ctx.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Account created! You can now sign in.",
		"account": account,
	})
}

func (c *Controller) LoginPost(ctx *fiber.Ctx) error {
	payload := new(SignInRequest)
	if err := ctx.BodyParser(payload); err != nil {
		c.Logger.Error("sign in parse payload", "error", err)
		return c.errorResponse(ctx, invalidPayload(err, "failed to parse sign in payload"))
	}

	result, err := c.Service.SignIn(ctx.UserContext(), *payload)
	if result != nil {
		c.setSessionCookie(ctx, result.Token, result.Session.ExpiresAt)
	}
	if err != nil {
		if guard.IsRoleNotFound(err) {
			return ctx.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":     "Role not found. Please contact support.",
				"text_code": guard.TextCodeRoleNotFound,
				"location":  result.Location,
			})
		}
		return c.errorResponse(ctx, err)
	}

	return ctx.JSON(fiber.Map{
		"message":  "Welcome back, " + result.Role.String() + "!",
		"role":     result.Role,
		"location": result.Location,
	})
}

func (c *Controller) LogOut(ctx *fiber.Ctx) error {
	if session := c.tokenSession(ctx); session != nil {
		if err := c.Service.SignOut(ctx.UserContext(), session.TokenID); err != nil {
			c.Logger.Error("sign out failed", "sid", session.TokenID, "error", err)
			return c.errorResponse(ctx, err)
		}
	}
	ctx.ClearCookie(c.Config.GetCookieName())
	return ctx.Redirect(c.Routes.SignIn, fiber.StatusSeeOther)
}

func (c *Controller) setSessionCookie(ctx *fiber.Ctx, token string, expires time.Time) {
	ctx.Cookie(&fiber.Cookie{
		Name:     c.Config.GetCookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// tokenSession validates the request token without consulting the store.
func (c *Controller) tokenSession(ctx *fiber.Ctx) *guard.Session {
	raw, err := fiberguard.ExtractRawToken(ctx, fiberguard.GetExtractors(c.tokenLookup()))
	if err != nil {
		return nil
	}
	session, err := c.Tokens.Validate(raw)
	if err != nil {
		return nil
	}
	return session
}

// currentSession is the stored session behind the request token, nil when
// the token is missing, invalid or revoked.
func (c *Controller) currentSession(ctx *fiber.Ctx) *guard.Session {
	session := c.tokenSession(ctx)
	if session == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx.UserContext(), c.Config.GetLoadingTimeout())
	defer cancel()
	stored, err := c.Sessions.Source(session.TokenID).CurrentSession(qctx)
	if err != nil || stored.SubjectID() == "" {
		return nil
	}
	return stored
}

func (c *Controller) errorResponse(ctx *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	body := fiber.Map{"error": "Something went wrong"}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Code != 0 {
			status = richErr.Code
		}
		body["error"] = richErr.Message
		if richErr.TextCode != "" {
			body["text_code"] = richErr.TextCode
		}
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		status = fiberErr.Code
	}

	if fields := ValidationErrorsMap(err); len(fields) > 0 {
		body["validation"] = fields
	}

	return ctx.Status(status).JSON(body)
}
