// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package database

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

func gooseDialect(d Dialect) string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

func setupGoose(d Dialect) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect(gooseDialect(d))
}

// RunMigrations runs all pending goose migrations.
func RunMigrations(db *sql.DB, d Dialect) error {
	if err := setupGoose(d); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// MigrateDown rolls back the last migration.
func MigrateDown(db *sql.DB, d Dialect) error {
	if err := setupGoose(d); err != nil {
		return err
	}
	return goose.Down(db, "migrations")
}

// MigrateReset rolls back all migrations.
func MigrateReset(db *sql.DB, d Dialect) error {
	if err := setupGoose(d); err != nil {
		return err
	}
	return goose.Reset(db, "migrations")
}
