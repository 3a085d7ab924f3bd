// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"codeberg.org/oliverandrich/optin/internal/fingerprint"
	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/services/consent"
	"codeberg.org/oliverandrich/optin/internal/services/newsletter"
	"github.com/labstack/echo/v4"
)

// Newsletter is the opt-in workflow behind the HTTP endpoints.
type Newsletter interface {
	Subscribe(ctx context.Context, in newsletter.SubscribeInput) (*newsletter.SubscribeResult, error)
	Confirm(ctx context.Context, token string) (*newsletter.ConfirmResult, error)
}

// ConsentLedger is the consent audit trail keyed by data subject.
type ConsentLedger interface {
	Record(ctx context.Context, req consent.RecordRequest) (*models.ConsentRecord, error)
	ListBySubject(ctx context.Context, dataSubjectID string) ([]models.ConsentRecord, error)
	EraseBySubject(ctx context.Context, dataSubjectID string) (int64, error)
}

// Limiter admits requests per policy and client identifier.
type Limiter interface {
	Admit(ctx context.Context, policy, identifier string) (ratelimit.Decision, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	newsletter   Newsletter
	ledger       ConsentLedger
	limiter      Limiter
	fingerprints *fingerprint.Fingerprinter
	clients      *clientCookies
	db           Pinger
	trustProxy   bool
	now          func() time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithDB enables the database check of the health endpoint.
func WithDB(db Pinger) Option {
	return func(h *Handlers) { h.db = db }
}

// WithTrustProxy makes client addresses come from proxy headers.
func WithTrustProxy(trust bool) Option {
	return func(h *Handlers) { h.trustProxy = trust }
}

// WithClock overrides the time source used for Retry-After.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) { h.now = now }
}

// New creates a new Handlers instance. The client cookie signing key is
// derived from fp.
func New(svc Newsletter, ledger ConsentLedger, limiter Limiter, fp *fingerprint.Fingerprinter, opts ...Option) *Handlers {
	h := &Handlers{
		newsletter:   svc,
		ledger:       ledger,
		limiter:      limiter,
		fingerprints: fp,
		clients:      newClientCookies(fp.DeriveKey(clientCookieKeyPurpose)),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	if h.db != nil {
		if err := h.db.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// admit counts the request against policy under scope. A denied request
// yields a *newsletter.RateLimitError.
func (h *Handlers) admit(c echo.Context, who caller, policy, scope string) error {
	d, err := h.limiter.Admit(c.Request().Context(), policy, fingerprint.Identifier(scope, who.Fingerprint))
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !d.Allowed {
		return &newsletter.RateLimitError{ResetAt: d.ResetAt, RetryAfter: d.RetryAfter(h.now())}
	}
	return nil
}

// Register mounts all routes on e.
func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/health", h.Health)

	api := e.Group("/api/newsletter")
	api.POST("/subscribe", h.Subscribe)
	api.POST("/confirm", h.ConfirmToken)

	e.GET("/newsletter/confirm/:token", h.ConfirmLink)

	gdpr := e.Group("/api/gdpr")
	gdpr.GET("/consent", h.ListConsent)
	gdpr.POST("/consent", h.RecordConsent)
	gdpr.DELETE("/consent", h.DeleteConsent)
}
