// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package testutil provides test helpers and fixtures.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"codeberg.org/oliverandrich/optin/internal/database"
	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/vinovest/sqlx"
)

// NewTestDB creates an in-memory SQLite database for tests.
// Returns both the database connection and the repository for convenience.
func NewTestDB(t *testing.T) (*sqlx.DB, *repository.Repository) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	repo := repository.New(db)
	return db, repo
}

// Clock is a manually advanced clock for time-dependent tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// NewTestPendingSubscription stores a pending subscription for email expiring at expiresAt.
func NewTestPendingSubscription(t *testing.T, repo *repository.Repository, token, email string, expiresAt time.Time) *models.PendingSubscription {
	t.Helper()
	createdAt := expiresAt.Add(-models.TokenTTL).UTC()
	p := &models.PendingSubscription{
		Token:            token,
		Email:            email,
		DataSubjectID:    uuid.NewString(),
		Source:           models.SourceNewsletterForm,
		UserAgent:        "test-agent",
		ConsentTimestamp: createdAt,
		ExpiresAt:        expiresAt.UTC(),
		CreatedAt:        createdAt,
	}
	require.NoError(t, repo.CreatePendingSubscription(context.Background(), p))
	return p
}

// NewTestConsentRecord stores an unverified marketing consent record.
func NewTestConsentRecord(t *testing.T, repo *repository.Repository, email, dataSubjectID string) *models.ConsentRecord {
	t.Helper()
	c := &models.ConsentRecord{
		ID:                   uuid.NewString(),
		DataSubjectID:        dataSubjectID,
		Email:                email,
		Purposes:             models.Purposes{models.PurposeMarketing},
		Source:               models.SourceNewsletterForm,
		UserAgent:            "test-agent",
		PrivacyPolicyVersion: "2025-10-20",
		CreatedAt:            time.Now().UTC(),
	}
	require.NoError(t, repo.CreateConsentRecord(context.Background(), c))
	return c
}

// NewEchoContext creates an Echo context for handler tests.
func NewEchoContext(e *echo.Echo, method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

// NewEchoContextWithHeaders creates an Echo context with custom headers.
func NewEchoContextWithHeaders(e *echo.Echo, method, path string, body io.Reader, headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

// NewRequest creates an HTTP request for testing.
func NewRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}
