// khet-portal serves the farmers' market portal: sign up, sign in, and the
// admin, farmer and forum areas behind access guards.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/sync/errgroup"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/goliatone/go-auth-guard/adapters/casbinrole"
	"github.com/goliatone/go-auth-guard/adapters/redissource"
	"github.com/goliatone/go-auth-guard/metrics"
	"github.com/goliatone/go-auth-guard/portal"
	"github.com/goliatone/go-auth-guard/repository"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, roleEngine string
	var printConfig bool

	flagSet := pflag.NewFlagSet("khet-portal", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides the config file)")
	flagSet.StringVar(&roleEngine, "role-engine", "sql", "role checks backend: sql or casbin")
	flagSet.BoolVar(&printConfig, "print-config", false, "print the resolved config and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("khet"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)
	logger := lgr.GetLogger("app")

	cfg, err := guard.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	if printConfig {
		masked := cfg
		masked.Token.SigningKey = "********"
		fmt.Println(print.MaybeHighlightJSON(masked))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return err
	}
	if err := repo.Migrate(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "database migration failed")
	}

	sessions, closeSessions, err := openSessionStore(ctx, cfg, lgr.GetLogger("sessions"))
	if err != nil {
		return err
	}
	defer closeSessions()

	var roles interface {
		guard.RoleResolver
		guard.RoleLister
	} = repo.UserRoles()
	serviceOpts := []portal.Option{portal.WithLogger(lgr.GetLogger("portal"))}

	switch roleEngine {
	case "sql":
	case "casbin":
		resolver, err := casbinrole.New()
		if err != nil {
			return err
		}
		assignments, err := repo.UserRoles().Assignments(ctx)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load role assignments")
		}
		if err := resolver.Load(ctx, assignments); err != nil {
			return err
		}
		logger.Info("casbin role engine loaded", "assignments", len(assignments))
		roles = resolver
		serviceOpts = append(serviceOpts, portal.WithRoleMirror(resolver))
	default:
		return goerrors.New("unknown role engine: "+roleEngine, goerrors.CategoryBadInput)
	}

	tokens := guard.NewTokenService(
		[]byte(cfg.GetSigningKey()),
		cfg.GetTokenTTL(),
		cfg.GetIssuer(),
		jwt.ClaimStrings(cfg.GetAudience()),
		lgr.GetLogger("tokens"),
	)
	validator := tokens.KeyRing(cfg.Token.RetiredKeyBytes()...)
	landing := guard.NewLandingResolver(roles, cfg, lgr.GetLogger("landing"))
	svc := portal.NewService(repo, tokens, sessions, landing, serviceOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	controller := portal.NewController(svc, cfg, validator, sessions, roles,
		portal.WithControllerLogger(lgr.GetLogger("guard")),
		portal.WithGuardTelemetry(metrics.New(reg), activityLogger(lgr.GetLogger("activity"))),
		portal.WithMetricsGatherer(reg),
	)

	app := fiber.New(fiber.Config{
		AppName:               "khet-portal",
		DisableStartupMessage: true,
	})
	portal.RegisterRoutes(app, controller)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Addr, "role_engine", roleEngine)
		return app.Listen(cfg.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	return g.Wait()
}

func openDatabase(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open database")
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to reach database")
	}
	return db, nil
}

// openSessionStore uses Redis when an address is configured so that
// sessions are shared between portal instances.
func openSessionStore(ctx context.Context, cfg guard.BaseConfig, logger glog.Logger) (guard.SessionStore, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("using in-memory session store")
		return guard.NewSessionHub(logger), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryInternal, "redis ping failed").
			WithMetadata(map[string]any{"addr": cfg.Redis.Addr})
	}

	logger.Info("using redis session store", "addr", cfg.Redis.Addr)
	return redissource.New(client, cfg.Redis.Prefix, logger), func() {
		_ = client.Close()
	}, nil
}

func activityLogger(logger glog.Logger) guard.ActivitySink {
	return guard.ActivitySinkFunc(func(_ context.Context, event guard.ActivityEvent) error {
		args := []any{
			"type", event.EventType,
			"guard", event.Guard,
			"subject", event.SubjectID,
			"epoch", event.Epoch,
		}
		if event.EventType == guard.ActivityEventDecisionChanged {
			args = append(args, "from", event.From, "to", event.To)
		}
		if event.Err != nil {
			args = append(args, "error", event.Err)
		}
		logger.Debug("guard activity", args...)
		return nil
	})
}
