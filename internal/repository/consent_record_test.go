// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
	"codeberg.org/oliverandrich/optin/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConsentRecord(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	text := "I agree to receive the newsletter."
	rec := &models.ConsentRecord{
		ID:                   "consent-1",
		DataSubjectID:        "subject-1",
		Email:                "jane@example.com",
		Purposes:             models.Purposes{models.PurposeMarketing, models.PurposeAnalytics},
		Source:               models.SourceNewsletterForm,
		UserAgent:            "unknown",
		ConsentText:          &text,
		PrivacyPolicyVersion: "2025-10-20",
		CreatedAt:            time.Now().UTC(),
	}

	require.NoError(t, repo.CreateConsentRecord(ctx, rec))

	got, err := repo.GetConsentRecord(ctx, "consent-1")
	require.NoError(t, err)
	assert.Equal(t, models.Purposes{"marketing", "analytics"}, got.Purposes)
	assert.Nil(t, got.IPAddress)
	require.NotNil(t, got.ConsentText)
	assert.Equal(t, text, *got.ConsentText)
	assert.False(t, got.Verified)
}

func TestGetConsentRecord_NotFound(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	_, err := repo.GetConsentRecord(context.Background(), "missing")

	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkConsentRecordsVerified(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a1 := testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-a")
	a2 := testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-a")
	b := testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-b")

	n, err := repo.MarkConsentRecordsVerified(ctx, "jane@example.com", "subject-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{a1.ID, a2.ID} {
		got, err := repo.GetConsentRecord(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Verified)
	}

	other, err := repo.GetConsentRecord(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, other.Verified)

	// Second call changes nothing
	n, err = repo.MarkConsentRecordsVerified(ctx, "jane@example.com", "subject-a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListConsentRecordsByEmail(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "s1")
	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "s2")
	testutil.NewTestConsentRecord(t, repo, "john@example.com", "s3")

	records, err := repo.ListConsentRecordsByEmail(ctx, "jane@example.com")

	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDeleteConsentRecordsByEmail(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "s1")
	testutil.NewTestConsentRecord(t, repo, "john@example.com", "s2")

	n, err := repo.DeleteConsentRecordsByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := repo.CountConsentRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestListConsentRecordsBySubject(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-a")
	testutil.NewTestConsentRecord(t, repo, "jane.doe@example.com", "subject-a")
	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-b")

	records, err := repo.ListConsentRecordsBySubject(ctx, "subject-a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "subject-a", r.DataSubjectID)
	}

	none, err := repo.ListConsentRecordsBySubject(ctx, "subject-missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteConsentRecordsBySubject(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-a")
	testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-a")
	keep := testutil.NewTestConsentRecord(t, repo, "jane@example.com", "subject-b")

	n, err := repo.DeleteConsentRecordsBySubject(ctx, "subject-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.GetConsentRecord(ctx, keep.ID)
	require.NoError(t, err)

	n, err = repo.DeleteConsentRecordsBySubject(ctx, "subject-a")
	require.NoError(t, err)
	assert.Zero(t, n)
}
