// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/oliverandrich/optin/internal/config"
	"codeberg.org/oliverandrich/optin/internal/database"
	"codeberg.org/oliverandrich/optin/internal/i18n"
	"codeberg.org/oliverandrich/optin/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v3"
	"github.com/vinovest/sqlx"
)

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, app *App) error {
		cfg := app.Config

		slog.Info("starting server",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
			"base_url", cfg.Server.BaseURL,
			"ratelimit_backend", cfg.RateLimit.Backend,
			"mail_driver", cfg.Mail.Driver,
		)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		app.Start(ctx)

		return startWithGracefulShutdown(app.Handler(), cfg)
	})
}

// setup loads and validates the configuration, opens the database and
// initializes translations.
func setup(cmd *cli.Command) (*config.Config, *sqlx.DB, error) {
	cfg := config.NewFromCLI(cmd)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Database (pending migrations are applied on open)
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	// i18n
	if initErr := i18n.Init(); initErr != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init i18n: %w", initErr)
	}

	return cfg, db, nil
}

// withApp runs fn with a fully wired App and tears everything down afterwards.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *App) error) error {
	cfg, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	app, err := NewApp(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	return fn(ctx, app)
}

func startWithGracefulShutdown(e *echo.Echo, cfg *config.Config) error {
	errChan := make(chan error, 1)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		slog.Info("Server running", "url", cfg.Server.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
		return err
	}

	slog.Info("server stopped")
	return nil
}
