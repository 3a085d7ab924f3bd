// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package ratelimit

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/optin/internal/repository"
)

// SQLStore keeps counters in the rate_limit_windows table.
type SQLStore struct {
	repo *repository.Repository
}

// NewSQLStore creates a store backed by repo.
func NewSQLStore(repo *repository.Repository) *SQLStore {
	return &SQLStore{repo: repo}
}

// Hit implements Store.
func (s *SQLStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	w, err := s.repo.HitRateLimitWindow(ctx, key, now, window)
	if err != nil {
		return Window{}, err
	}
	return Window{Hits: w.Hits, ResetAt: w.ResetAt(window)}, nil
}

// Cleanup removes windows that started before cutoff.
func (s *SQLStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.DeleteStaleRateLimitWindows(ctx, cutoff)
}
