// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package tokens_test

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
	"codeberg.org/oliverandrich/optin/internal/services/tokens"
	"codeberg.org/oliverandrich/optin/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*tokens.Store, *repository.Repository, *testutil.Clock) {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return tokens.New(repo, tokens.WithClock(clock.Now)), repo, clock
}

func issue(t *testing.T, s *tokens.Store, email string) string {
	t.Helper()
	token, err := s.Issue(context.Background(), tokens.IssueRequest{
		Email:         email,
		FirstName:     "Jane",
		DataSubjectID: "0b6b4f5e-7c1a-4a4e-9a43-2f1f3c3f6d1e",
		UserAgent:     "Mozilla/5.0",
		IPAddress:     "203.0.113.7",
	})
	require.NoError(t, err)
	return token
}

func TestGenerateToken(t *testing.T) {
	token, err := tokens.GenerateToken()
	require.NoError(t, err)

	// 32 bytes -> 43 unpadded base64url chars
	assert.Len(t, token, 43)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, tokens.TokenBytes)
}

func TestGenerateToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		token, err := tokens.GenerateToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestIssue(t *testing.T) {
	s, repo, clock := setup(t)

	token, err := s.Issue(context.Background(), tokens.IssueRequest{
		Email:         "  Jane@Example.COM ",
		DataSubjectID: "subject",
		UserAgent:     "ua",
	})
	require.NoError(t, err)

	p, err := repo.GetPendingSubscription(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", p.Email)
	assert.Nil(t, p.FirstName)
	assert.Nil(t, p.IPAddress)
	assert.Equal(t, models.SourceNewsletterForm, p.Source)
	assert.True(t, p.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))
	assert.True(t, p.ConsentTimestamp.Equal(clock.Now()))
}

func TestIssue_SweepsExpired(t *testing.T) {
	s, repo, clock := setup(t)
	testutil.NewTestPendingSubscription(t, repo, "stale", "old@example.com", clock.Now().Add(-time.Second))

	issue(t, s, "jane@example.com")

	_, err := repo.GetPendingSubscription(context.Background(), "stale")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestIssue_WithoutInlineSweep(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	clock := testutil.NewClock(time.Now())
	s := tokens.New(repo, tokens.WithClock(clock.Now), tokens.WithSweepOnIssue(false))
	testutil.NewTestPendingSubscription(t, repo, "stale", "old@example.com", clock.Now().Add(-time.Second))

	issue(t, s, "jane@example.com")

	_, err := repo.GetPendingSubscription(context.Background(), "stale")
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	s, _, _ := setup(t)
	token := issue(t, s, "jane@example.com")

	p, err := s.Validate(context.Background(), token)

	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "jane@example.com", p.Email)
	assert.False(t, p.Verified)
}

func TestValidate_DoesNotConsume(t *testing.T) {
	s, _, _ := setup(t)
	token := issue(t, s, "jane@example.com")
	ctx := context.Background()

	for range 3 {
		p, err := s.Validate(ctx, token)
		require.NoError(t, err)
		require.NotNil(t, p)
	}

	p, err := s.Confirm(ctx, token)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestValidate_Unknown(t *testing.T) {
	s, _, _ := setup(t)

	p, err := s.Validate(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestValidate_Confirmed(t *testing.T) {
	s, _, _ := setup(t)
	token := issue(t, s, "jane@example.com")
	ctx := context.Background()

	_, err := s.Confirm(ctx, token)
	require.NoError(t, err)

	p, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestValidate_ExpiredIsPurged(t *testing.T) {
	s, repo, clock := setup(t)
	token := issue(t, s, "jane@example.com")
	ctx := context.Background()

	clock.Advance(24*time.Hour + time.Millisecond)

	p, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = repo.GetPendingSubscription(ctx, token)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConfirm_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		valid   bool
	}{
		{"one millisecond before expiry", 24*time.Hour - time.Millisecond, true},
		{"exactly at expiry", 24 * time.Hour, true},
		{"one millisecond after expiry", 24*time.Hour + time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, clock := setup(t)
			token := issue(t, s, "jane@example.com")

			clock.Advance(tt.advance)
			p, err := s.Confirm(context.Background(), token)

			require.NoError(t, err)
			if tt.valid {
				require.NotNil(t, p)
				assert.True(t, p.Verified)
			} else {
				assert.Nil(t, p)
			}
		})
	}
}

func TestConfirm_OneTimeUse(t *testing.T) {
	s, _, _ := setup(t)
	token := issue(t, s, "jane@example.com")
	ctx := context.Background()

	first, err := s.Confirm(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "jane@example.com", first.Email)
	require.NotNil(t, first.FirstName)
	assert.Equal(t, "Jane", *first.FirstName)

	second, err := s.Confirm(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestConfirm_ConcurrentSingleWinner(t *testing.T) {
	s, _, _ := setup(t)
	token := issue(t, s, "jane@example.com")
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Confirm(ctx, token)
			if err == nil && p != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestConfirm_Unknown(t *testing.T) {
	s, _, _ := setup(t)

	p, err := s.Confirm(context.Background(), "does-not-exist")

	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSweep(t *testing.T) {
	s, repo, clock := setup(t)
	ctx := context.Background()
	expired := issue(t, s, "a@example.com")

	clock.Advance(12 * time.Hour)
	fresh := issue(t, s, "b@example.com")

	clock.Advance(12*time.Hour + time.Millisecond)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetPendingSubscription(ctx, expired)
	require.ErrorIs(t, err, repository.ErrNotFound)

	p, err := s.Validate(ctx, fresh)
	require.NoError(t, err)
	assert.NotNil(t, p)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_ConcurrentWithConfirm(t *testing.T) {
	s, _, clock := setup(t)
	ctx := context.Background()
	token := issue(t, s, "jane@example.com")
	clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	var confirmed atomic.Int32
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.Sweep(ctx)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		p, err := s.Confirm(ctx, token)
		assert.NoError(t, err)
		if p != nil {
			confirmed.Add(1)
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, confirmed.Load(), int32(1))
	p, err := s.Confirm(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEraseByEmail(t *testing.T) {
	s, repo, _ := setup(t)
	ctx := context.Background()
	issue(t, s, "jane@example.com")
	issue(t, s, "jane@example.com")
	issue(t, s, "john@example.com")

	n, err := s.EraseByEmail(ctx, " JANE@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := repo.CountPendingSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
