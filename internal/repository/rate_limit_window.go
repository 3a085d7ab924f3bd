// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"github.com/vinovest/sqlx"
)

// HitRateLimitWindow records one hit for identifier in a fixed window and
// returns the resulting window. A window that started at or before now-window
// is restarted at now with a single hit. The upsert is a single statement, so
// concurrent hits on the same identifier are serialized by the database.
func (r *Repository) HitRateLimitWindow(ctx context.Context, identifier string, now time.Time, window time.Duration) (*models.RateLimitWindow, error) {
	now = now.UTC()
	cutoff := now.Add(-window)

	var w models.RateLimitWindow
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO rate_limit_windows (identifier, window_start, hits)
			VALUES (?, ?, 1)
			ON CONFLICT (identifier) DO UPDATE SET
				hits = CASE WHEN rate_limit_windows.window_start <= ? THEN 1 ELSE rate_limit_windows.hits + 1 END,
				window_start = CASE WHEN rate_limit_windows.window_start <= ? THEN ? ELSE rate_limit_windows.window_start END`),
			identifier, now, cutoff, cutoff, now)
		if err != nil {
			return err
		}
		return tx.GetContext(ctx, &w, r.q(`SELECT identifier, window_start, hits FROM rate_limit_windows WHERE identifier = ?`), identifier)
	})
	if err != nil {
		return nil, wrapError(err)
	}
	return &w, nil
}

// DeleteStaleRateLimitWindows removes windows that started before cutoff.
func (r *Repository) DeleteStaleRateLimitWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM rate_limit_windows WHERE window_start < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
