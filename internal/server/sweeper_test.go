// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"testing"
	"time"

	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/services/tokens"
	"codeberg.org/oliverandrich/optin/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_Sweep(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	testutil.NewTestPendingSubscription(t, repo, "expired", "old@example.com", now.Add(-time.Minute))
	testutil.NewTestPendingSubscription(t, repo, "valid", "new@example.com", now.Add(time.Hour))

	_, err := repo.HitRateLimitWindow(ctx, "consent|stale", now.Add(-2*time.Hour), 15*time.Minute)
	require.NoError(t, err)
	_, err = repo.HitRateLimitWindow(ctx, "consent|fresh", now, 15*time.Minute)
	require.NoError(t, err)

	s := NewSweeper(tokens.New(repo), ratelimit.NewSQLStore(repo), 15*time.Minute)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tokens)
	assert.Equal(t, int64(1), res.Windows)

	assert.Equal(t, int64(1), res.Pending)

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Pending: 1}, res)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	testutil.NewTestPendingSubscription(t, repo, "expired", "old@example.com", time.Now().Add(-time.Minute))
	s := NewSweeper(tokens.New(repo), ratelimit.NewSQLStore(repo), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := repo.CountPendingSubscriptions(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
