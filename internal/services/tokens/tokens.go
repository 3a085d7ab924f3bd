// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package tokens manages single-use double opt-in confirmation tokens.
//
// A token is Pending from Issue until it is either confirmed (terminal) or
// its expiry passes (terminal, detected lazily and removed by Sweep).
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
)

// TokenBytes is the number of random bytes per token (256 bits).
const TokenBytes = 32

// IssueRequest carries the data stored with a new token.
type IssueRequest struct {
	Email            string
	FirstName        string
	DataSubjectID    string
	Source           models.Source
	UserAgent        string
	IPAddress        string
	Locale           string
	ConsentTimestamp time.Time
}

// Store issues, validates and consumes confirmation tokens.
type Store struct {
	repo         *repository.Repository
	now          func() time.Time
	ttl          time.Duration
	sweepOnIssue bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithSweepOnIssue toggles the inline sweep on every Issue.
func WithSweepOnIssue(enabled bool) Option {
	return func(s *Store) { s.sweepOnIssue = enabled }
}

// New creates a Store.
func New(repo *repository.Repository, opts ...Option) *Store {
	s := &Store{
		repo:         repo,
		now:          time.Now,
		ttl:          models.TokenTTL,
		sweepOnIssue: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateToken returns 256 random bits encoded as unpadded base64url.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue stores a new pending subscription and returns its token.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (string, error) {
	now := s.now().UTC()

	if s.sweepOnIssue {
		if _, err := s.repo.DeleteExpiredPendingSubscriptions(ctx, now); err != nil {
			slog.WarnContext(ctx, "inline token sweep failed", "error", err)
		}
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	consentAt := req.ConsentTimestamp
	if consentAt.IsZero() {
		consentAt = now
	}
	source := req.Source
	if source == "" {
		source = models.SourceNewsletterForm
	}

	p := &models.PendingSubscription{
		Token:            token,
		Email:            strings.ToLower(strings.TrimSpace(req.Email)),
		FirstName:        optional(req.FirstName),
		DataSubjectID:    req.DataSubjectID,
		Source:           source,
		UserAgent:        req.UserAgent,
		IPAddress:        optional(req.IPAddress),
		Locale:           req.Locale,
		ConsentTimestamp: consentAt.UTC(),
		ExpiresAt:        now.Add(s.ttl),
		CreatedAt:        now,
	}
	if err := s.repo.CreatePendingSubscription(ctx, p); err != nil {
		return "", fmt.Errorf("store pending subscription: %w", err)
	}

	return token, nil
}

// Validate returns the pending subscription for token, or nil when the token
// is unknown, already confirmed, or expired. Expired records are removed.
// It never confirms anything.
func (s *Store) Validate(ctx context.Context, token string) (*models.PendingSubscription, error) {
	if token == "" {
		return nil, nil
	}

	p, err := s.repo.GetPendingSubscription(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending subscription: %w", err)
	}

	if p.ConfirmedAt != nil {
		return nil, nil
	}

	now := s.now().UTC()
	if p.Expired(now) {
		if _, err := s.repo.DeleteExpiredPendingSubscription(ctx, token, now); err != nil {
			slog.WarnContext(ctx, "failed to purge expired token", "error", err)
		}
		return nil, nil
	}

	return p, nil
}

// Confirm consumes token. Among concurrent callers with the same token at
// most one receives the record; everybody else, and every caller with an
// unknown, used or expired token, receives nil.
func (s *Store) Confirm(ctx context.Context, token string) (*models.PendingSubscription, error) {
	if token == "" {
		return nil, nil
	}

	p, err := s.repo.ConfirmPendingSubscription(ctx, token, s.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm pending subscription: %w", err)
	}

	p.Verified = true
	return p, nil
}

// Sweep deletes every record whose expiry lies before now. Safe to run
// concurrently with Validate and Confirm.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredPendingSubscriptions(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep tokens: %w", err)
	}
	return n, nil
}

// Pending returns the number of tokens not yet confirmed, expired ones
// included until the next sweep.
func (s *Store) Pending(ctx context.Context) (int64, error) {
	n, err := s.repo.CountPendingSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending tokens: %w", err)
	}
	return n, nil
}

// EraseByEmail deletes every token issued for email.
func (s *Store) EraseByEmail(ctx context.Context, email string) (int64, error) {
	n, err := s.repo.DeletePendingSubscriptionsByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return 0, fmt.Errorf("erase tokens: %w", err)
	}
	return n, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
