// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"fmt"
	"log/slog"

	"codeberg.org/oliverandrich/optin/internal/config"
	"codeberg.org/oliverandrich/optin/internal/fingerprint"
	"codeberg.org/oliverandrich/optin/internal/handlers"
	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/repository"
	"codeberg.org/oliverandrich/optin/internal/services/consent"
	"codeberg.org/oliverandrich/optin/internal/services/crm"
	"codeberg.org/oliverandrich/optin/internal/services/email"
	"codeberg.org/oliverandrich/optin/internal/services/newsletter"
	"codeberg.org/oliverandrich/optin/internal/services/tokens"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vinovest/sqlx"
)

// App holds the services shared by the HTTP server and the CLI commands.
type App struct {
	Config     *config.Config
	Repo       *repository.Repository
	Limiter    *ratelimit.Limiter
	Tokens     *tokens.Store
	Ledger     *consent.Ledger
	Newsletter *newsletter.Service
	Sweeper    *Sweeper

	memory *ratelimit.MemoryStore
	redis  *redis.Client
}

// NewApp wires all services on top of an open database.
func NewApp(ctx context.Context, cfg *config.Config, db *sqlx.DB) (*App, error) {
	app := &App{
		Config: cfg,
		Repo:   repository.New(db),
	}

	store, err := app.rateLimitStore(cfg)
	if err != nil {
		return nil, err
	}

	app.Limiter, err = ratelimit.New(store, Policies(cfg))
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	app.Tokens = tokens.New(app.Repo)
	app.Ledger = consent.New(app.Repo, consent.WithPrivacyPolicyVersion(cfg.Newsletter.PrivacyPolicyVersion))

	mailer, err := email.New(ctx, cfg)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to create mailer: %w", err)
	}

	list, err := crm.New(cfg.CRM)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to create CRM client: %w", err)
	}

	app.Newsletter = newsletter.NewService(app.Limiter, app.Tokens, app.Ledger, mailer, list,
		newsletter.WithPolicy(ratelimit.PolicyConsent),
		newsletter.WithConsentText(cfg.Newsletter.ConsentText),
	)
	app.Sweeper = NewSweeper(app.Tokens, ratelimit.NewSQLStore(app.Repo), app.Limiter.MaxWindow())

	return app, nil
}

func (a *App) rateLimitStore(cfg *config.Config) (ratelimit.Store, error) {
	switch cfg.RateLimit.Backend {
	case config.RateLimitMemory:
		a.memory = ratelimit.NewMemoryStore()
		return a.memory, nil
	case config.RateLimitRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		return ratelimit.NewRedisStore(a.redis, ""), nil
	case config.RateLimitSQL, "":
		return ratelimit.NewSQLStore(a.Repo), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}

// Policies converts the configured rate limit policies.
func Policies(cfg *config.Config) map[string]ratelimit.Policy {
	policies := ratelimit.DefaultPolicies()
	for name, p := range cfg.RateLimit.Policies {
		policies[name] = ratelimit.Policy{Limit: p.Limit, Window: p.Window}
	}
	return policies
}

// Start launches background work bound to ctx.
func (a *App) Start(ctx context.Context) {
	if a.memory != nil {
		a.memory.StartJanitor(ctx)
	}
	if a.Config.Newsletter.SweepInterval > 0 {
		go a.Sweeper.Run(ctx, a.Config.Newsletter.SweepInterval)
	}
}

// Handler builds the echo instance serving all routes.
func (a *App) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	setupMiddleware(e, a.Config)

	h := handlers.New(
		a.Newsletter,
		a.Ledger,
		a.Limiter,
		fingerprint.New(a.Config.RateLimit.FingerprintSecret),
		handlers.WithDB(a.Repo),
		handlers.WithTrustProxy(a.Config.Server.TrustProxy),
	)
	h.Register(e)

	return e
}

// Close releases connections owned by the app. The database is closed by
// whoever opened it.
func (a *App) Close() error {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
			return err
		}
	}
	return nil
}
