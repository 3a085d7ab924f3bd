// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/oliverandrich/optin/internal/config"
	"codeberg.org/oliverandrich/optin/internal/i18n"
	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{MaxBodySize: 64},
		RateLimit: config.RateLimitConfig{
			Backend:           backend,
			FingerprintSecret: "secret",
			Policies: map[string]config.PolicyConfig{
				ratelimit.PolicyConsent: {Limit: 2, Window: time.Minute},
			},
		},
		Mail:       config.MailConfig{Driver: config.MailDriverLog},
		Newsletter: config.NewsletterConfig{SiteURL: "https://example.com", PrivacyPolicyVersion: "2025-10-20"},
	}
}

func TestPolicies_OverridesDefaults(t *testing.T) {
	policies := Policies(testConfig(config.RateLimitMemory))

	assert.Equal(t, ratelimit.Policy{Limit: 2, Window: time.Minute}, policies[ratelimit.PolicyConsent])
	assert.Equal(t, ratelimit.DefaultPolicies()[ratelimit.PolicyExport], policies[ratelimit.PolicyExport])
}

func TestNewApp_Backends(t *testing.T) {
	for _, backend := range []string{config.RateLimitMemory, config.RateLimitSQL, config.RateLimitRedis} {
		t.Run(backend, func(t *testing.T) {
			db, _ := testutil.NewTestDB(t)
			cfg := testConfig(backend)
			if backend == config.RateLimitRedis {
				mr := miniredis.RunT(t)
				cfg.Redis.URL = "redis://" + mr.Addr()
			}

			app, err := NewApp(context.Background(), cfg, db)
			require.NoError(t, err)
			t.Cleanup(func() { _ = app.Close() })

			for range 2 {
				d, err := app.Limiter.Admit(context.Background(), ratelimit.PolicyConsent, "client")
				require.NoError(t, err)
				assert.True(t, d.Allowed)
			}
			d, err := app.Limiter.Admit(context.Background(), ratelimit.PolicyConsent, "client")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
		})
	}
}

func TestNewApp_InvalidRedisURL(t *testing.T) {
	db, _ := testutil.NewTestDB(t)
	cfg := testConfig(config.RateLimitRedis)
	cfg.Redis.URL = "ftp://nope"

	_, err := NewApp(context.Background(), cfg, db)

	assert.Error(t, err)
}

func TestNewApp_UnknownMailDriver(t *testing.T) {
	db, _ := testutil.NewTestDB(t)
	cfg := testConfig(config.RateLimitMemory)
	cfg.Mail.Driver = "pigeon"

	_, err := NewApp(context.Background(), cfg, db)

	assert.Error(t, err)
}

func TestApp_Handler(t *testing.T) {
	require.NoError(t, i18n.Init())
	db, _ := testutil.NewTestDB(t)
	app, err := NewApp(context.Background(), testConfig(config.RateLimitMemory), db)
	require.NoError(t, err)
	e := app.Handler()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := `{"email":"jane@example.com","consentGiven":true}`
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/api/newsletter/subscribe", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/newsletter/subscribe", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Language", "de")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	pending, err := app.Repo.CountPendingSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func TestApp_StartStopsWithContext(t *testing.T) {
	db, _ := testutil.NewTestDB(t)
	cfg := testConfig(config.RateLimitMemory)
	cfg.Newsletter.SweepInterval = 10 * time.Millisecond
	app, err := NewApp(context.Background(), cfg, db)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
}

func TestApp_ConsentEndpoints(t *testing.T) {
	require.NoError(t, i18n.Init())
	db, _ := testutil.NewTestDB(t)
	cfg := testConfig(config.RateLimitMemory)
	cfg.RateLimit.Policies[ratelimit.PolicyDelete] = config.PolicyConfig{Limit: 1, Window: time.Minute}
	app, err := NewApp(context.Background(), cfg, db)
	require.NoError(t, err)
	e := app.Handler()

	const subject = "0b6b4f5e-7c1a-4a4e-9a43-2f1f3c3f6d1e"
	serve := func(method, target, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(http.MethodPost, "/api/gdpr/consent",
		`{"DataSubjectId":"`+subject+`","email":"jane@example.com","purposes":["marketing"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "optin_client=")

	rec = serve(http.MethodGet, "/api/gdpr/consent?DataSubjectId="+subject, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), subject)

	rec = serve(http.MethodDelete, "/api/gdpr/consent?DataSubjectId="+subject, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"deletedCount":1}`, rec.Body.String())

	rec = serve(http.MethodDelete, "/api/gdpr/consent?DataSubjectId="+subject, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	count, err := app.Ledger.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
