// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"codeberg.org/oliverandrich/optin/internal/database"
	"codeberg.org/oliverandrich/optin/internal/logging"
	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
	"codeberg.org/oliverandrich/optin/internal/services/consent"
	"github.com/urfave/cli/v3"
)

// Commands returns the administrative subcommands.
func Commands() []*cli.Command {
	emailFlag := &cli.StringFlag{
		Name:     "email",
		Usage:    "Email address of the data subject",
		Required: true,
	}

	return []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Start the HTTP server",
			Action: Run,
		},
		{
			Name:   "sweep",
			Usage:  "Delete expired confirmation tokens and stale rate limit windows",
			Action: Sweep,
		},
		{
			Name:  "consent",
			Usage: "Access and erase stored consent (GDPR Art. 15 and 17)",
			Commands: []*cli.Command{
				{
					Name:   "export",
					Usage:  "Print all consent records of an email address as JSON",
					Flags:  []cli.Flag{emailFlag},
					Action: ConsentExport,
				},
				{
					Name:  "show",
					Usage: "Print a single consent record as JSON",
					Flags: []cli.Flag{&cli.StringFlag{
						Name:     "id",
						Usage:    "ID of the consent record",
						Required: true,
					}},
					Action: ConsentShow,
				},
				{
					Name:   "stats",
					Usage:  "Print the number of stored consent records and pending confirmations",
					Action: ConsentStats,
				},
				{
					Name:   "erase",
					Usage:  "Delete all consent records and pending confirmations of an email address",
					Flags:  []cli.Flag{emailFlag},
					Action: ConsentErase,
				},
			},
		},
		{
			Name:  "migrate",
			Usage: "Manage the database schema",
			Commands: []*cli.Command{
				{Name: "up", Usage: "Apply all pending migrations", Action: MigrateUp},
				{Name: "down", Usage: "Roll back the latest migration", Action: MigrateDown},
				{Name: "reset", Usage: "Roll back all migrations", Action: MigrateReset},
			},
		},
	}
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// Sweep runs one cleanup pass.
func Sweep(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, app *App) error {
		res, err := app.Sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(output(cmd), "removed %d expired tokens and %d stale rate limit windows, %d confirmations pending\n",
			res.Tokens, res.Windows, res.Pending)
		return err
	})
}

// ConsentExport prints the portable consent export of --email.
func ConsentExport(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, app *App) error {
		data, err := app.Ledger.Export(ctx, cmd.String("email"))
		if err != nil {
			return err
		}
		w := output(cmd)
		if _, err := w.Write(data); err != nil {
			return err
		}
		_, err = fmt.Fprintln(w)
		return err
	})
}

// ConsentShow prints the consent record --id, including the transport
// metadata kept as proof of consent.
func ConsentShow(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, app *App) error {
		rec, err := app.Ledger.Get(ctx, cmd.String("id"))
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("consent record %q not found", cmd.String("id"))
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(output(cmd))
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*models.ConsentRecord
			UserAgent string  `json:"user_agent"`
			IPAddress *string `json:"ip_address,omitempty"`
		}{rec, rec.UserAgent, rec.IPAddress})
	})
}

// ConsentStats prints record and confirmation counts.
func ConsentStats(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, app *App) error {
		records, err := app.Ledger.Count(ctx)
		if err != nil {
			return err
		}
		pending, err := app.Tokens.Pending(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(output(cmd), "consent records: %d\npending confirmations: %d\n", records, pending)
		return err
	})
}

// ConsentErase deletes every trace of --email.
func ConsentErase(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, app *App) error {
		email := consent.NormalizeEmail(cmd.String("email"))
		if email == "" {
			return errors.New("email is required")
		}

		records, err := app.Ledger.Erase(ctx, email)
		if err != nil {
			return err
		}
		pending, err := app.Tokens.EraseByEmail(ctx, email)
		if err != nil {
			return err
		}

		slog.InfoContext(ctx, "erased data subject",
			"email", logging.RedactEmail(email),
			"consent_records", records,
			"pending_confirmations", pending,
		)
		_, err = fmt.Fprintf(output(cmd), "erased %d consent records and %d pending confirmations\n", records, pending)
		return err
	})
}

// MigrateUp applies all pending migrations.
func MigrateUp(_ context.Context, cmd *cli.Command) error {
	_, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	slog.Info("database is up to date")
	return nil
}

// MigrateDown rolls back the latest migration.
func MigrateDown(_ context.Context, cmd *cli.Command) error {
	cfg, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateDown(db.DB, database.DialectFor(cfg.Database.DSN)); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	slog.Info("rolled back latest migration")
	return nil
}

// MigrateReset rolls back all migrations.
func MigrateReset(_ context.Context, cmd *cli.Command) error {
	cfg, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateReset(db.DB, database.DialectFor(cfg.Database.DSN)); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	slog.Info("rolled back all migrations")
	return nil
}
