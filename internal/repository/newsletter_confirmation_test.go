// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
	"codeberg.org/oliverandrich/optin/internal/testutil"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinovest/sqlx"
)

func TestCreatePendingSubscription(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	name := "Jane"
	ip := "203.0.113.7"
	p := &models.PendingSubscription{
		Token:            "token-1",
		Email:            "jane@example.com",
		FirstName:        &name,
		DataSubjectID:    "0b6b4f5e-7c1a-4a4e-9a43-2f1f3c3f6d1e",
		Source:           models.SourceNewsletterForm,
		UserAgent:        "Mozilla/5.0",
		IPAddress:        &ip,
		ConsentTimestamp: now,
		ExpiresAt:        now.Add(models.TokenTTL),
		CreatedAt:        now,
	}

	err := repo.CreatePendingSubscription(ctx, p)
	require.NoError(t, err)

	got, err := repo.GetPendingSubscription(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", got.Email)
	require.NotNil(t, got.FirstName)
	assert.Equal(t, "Jane", *got.FirstName)
	require.NotNil(t, got.IPAddress)
	assert.Equal(t, ip, *got.IPAddress)
	assert.Equal(t, models.SourceNewsletterForm, got.Source)
	assert.Nil(t, got.ConfirmedAt)
	assert.WithinDuration(t, p.ExpiresAt, got.ExpiresAt, time.Millisecond)
}

func TestCreatePendingSubscription_DuplicateToken(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	expiresAt := time.Now().Add(time.Hour)
	testutil.NewTestPendingSubscription(t, repo, "dup", "a@example.com", expiresAt)

	err := repo.CreatePendingSubscription(context.Background(), &models.PendingSubscription{
		Token: "dup", Email: "b@example.com", DataSubjectID: "x", Source: models.SourceNewsletterForm,
		UserAgent: "ua", ConsentTimestamp: time.Now(), ExpiresAt: expiresAt, CreatedAt: time.Now(),
	})

	assert.Error(t, err)
}

func TestGetPendingSubscription_NotFound(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	_, err := repo.GetPendingSubscription(context.Background(), "nonexistent")

	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConfirmPendingSubscription(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	testutil.NewTestPendingSubscription(t, repo, "token-1", "jane@example.com", now.Add(time.Hour))

	got, err := repo.ConfirmPendingSubscription(ctx, "token-1", now)

	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", got.Email)
	require.NotNil(t, got.ConfirmedAt)
	assert.WithinDuration(t, now, *got.ConfirmedAt, time.Millisecond)
}

func TestConfirmPendingSubscription_SecondCallNotFound(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	testutil.NewTestPendingSubscription(t, repo, "token-1", "jane@example.com", now.Add(time.Hour))

	_, err := repo.ConfirmPendingSubscription(ctx, "token-1", now)
	require.NoError(t, err)

	_, err = repo.ConfirmPendingSubscription(ctx, "token-1", now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConfirmPendingSubscription_ExpiryBoundary(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	expiresAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	testutil.NewTestPendingSubscription(t, repo, "before", "a@example.com", expiresAt)
	testutil.NewTestPendingSubscription(t, repo, "at", "b@example.com", expiresAt)
	testutil.NewTestPendingSubscription(t, repo, "after", "c@example.com", expiresAt)

	_, err := repo.ConfirmPendingSubscription(ctx, "before", expiresAt.Add(-time.Millisecond))
	require.NoError(t, err)

	_, err = repo.ConfirmPendingSubscription(ctx, "at", expiresAt)
	require.NoError(t, err)

	_, err = repo.ConfirmPendingSubscription(ctx, "after", expiresAt.Add(time.Millisecond))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConfirmPendingSubscription_ConcurrentSingleWinner(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	testutil.NewTestPendingSubscription(t, repo, "race", "jane@example.com", now.Add(time.Hour))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ConfirmPendingSubscription(ctx, "race", now); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestConfirmPendingSubscription_UsesConditionalUpdate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := repository.New(sqlx.NewDb(mockDB, "sqlmock"))
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE newsletter_confirmations SET confirmed_at = ?`)).
		WithArgs(now, "token-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = repo.ConfirmPendingSubscription(context.Background(), "token-1", now)

	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPendingSubscription_DatabaseError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := repository.New(sqlx.NewDb(mockDB, "sqlmock"))
	dbErr := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE newsletter_confirmations").WillReturnError(dbErr)
	mock.ExpectRollback()

	_, err = repo.ConfirmPendingSubscription(context.Background(), "token-1", time.Now())

	require.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredPendingSubscription(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	testutil.NewTestPendingSubscription(t, repo, "expired", "a@example.com", now.Add(-time.Minute))
	testutil.NewTestPendingSubscription(t, repo, "valid", "b@example.com", now.Add(time.Minute))

	n, err := repo.DeleteExpiredPendingSubscription(ctx, "expired", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteExpiredPendingSubscription(ctx, "valid", now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteExpiredPendingSubscriptions(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	testutil.NewTestPendingSubscription(t, repo, "expired-1", "a@example.com", now.Add(-time.Hour))
	testutil.NewTestPendingSubscription(t, repo, "expired-2", "b@example.com", now.Add(-time.Second))
	testutil.NewTestPendingSubscription(t, repo, "valid", "c@example.com", now.Add(24*time.Hour))

	n, err := repo.DeleteExpiredPendingSubscriptions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.GetPendingSubscription(ctx, "expired-1")
	require.ErrorIs(t, err, repository.ErrNotFound)

	token, err := repo.GetPendingSubscription(ctx, "valid")
	require.NoError(t, err)
	assert.Equal(t, "valid", token.Token)

	// Idempotent
	n, err = repo.DeleteExpiredPendingSubscriptions(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeletePendingSubscriptionsByEmail(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	expiresAt := time.Now().Add(time.Hour)
	testutil.NewTestPendingSubscription(t, repo, "t1", "jane@example.com", expiresAt)
	testutil.NewTestPendingSubscription(t, repo, "t2", "jane@example.com", expiresAt)
	testutil.NewTestPendingSubscription(t, repo, "t3", "john@example.com", expiresAt)

	n, err := repo.DeletePendingSubscriptionsByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := repo.CountPendingSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
