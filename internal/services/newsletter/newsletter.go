// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package newsletter orchestrates the double opt-in subscribe and confirm flows.
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codeberg.org/oliverandrich/optin/internal/i18n"
	"codeberg.org/oliverandrich/optin/internal/logging"
	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/services/consent"
	"codeberg.org/oliverandrich/optin/internal/services/tokens"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
)

// MaxEmailLength is the longest address accepted (RFC 5321 path limit).
const MaxEmailLength = 254

// Confirmation outcomes.
const (
	StatusSuccess = "success"
	StatusExpired = "expired"
	StatusError   = "error"
)

// Mailer delivers the opt-in emails.
type Mailer interface {
	SendConfirmation(ctx context.Context, email, token, firstName string) error
	SendWelcome(ctx context.Context, email, firstName string) error
}

// SubscriberList is the external mailing list confirmed subscribers are added to.
type SubscriberList interface {
	Subscribe(ctx context.Context, email, firstName string) error
}

// Limiter admits requests per policy and client identifier.
type Limiter interface {
	Admit(ctx context.Context, policy, identifier string) (ratelimit.Decision, error)
}

// TokenStore is the confirmation token state machine.
type TokenStore interface {
	Issue(ctx context.Context, req tokens.IssueRequest) (string, error)
	Confirm(ctx context.Context, token string) (*models.PendingSubscription, error)
}

// ConsentLedger is the consent audit trail.
type ConsentLedger interface {
	Record(ctx context.Context, req consent.RecordRequest) (*models.ConsentRecord, error)
	MarkVerified(ctx context.Context, email, dataSubjectID string) (int64, error)
}

// SubscribeInput is a subscription request together with its transport metadata.
type SubscribeInput struct {
	Email         string
	FirstName     string
	ConsentGiven  bool
	DataSubjectID string

	// ClientID is the rate-limit identifier of the caller.
	ClientID  string
	UserAgent string
	IPAddress string
}

// SubscribeResult describes an accepted subscription.
type SubscribeResult struct {
	DataSubjectID string
	ConsentID     string
}

// ConfirmResult is the outcome of a confirmation attempt.
type ConfirmResult struct {
	Status    string
	Email     string
	FirstName string
}

// Service wires the opt-in workflow together.
type Service struct {
	limiter     Limiter
	tokens      TokenStore
	ledger      ConsentLedger
	mailer      Mailer
	list        SubscriberList
	policy      string
	consentText string
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the rate limit policy applied to Subscribe.
func WithPolicy(name string) Option {
	return func(s *Service) { s.policy = name }
}

// WithConsentText stores the consent wording shown to subscribers on each record.
func WithConsentText(text string) Option {
	return func(s *Service) { s.consentText = text }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. list may be nil when no mailing list is configured.
func NewService(limiter Limiter, tokenStore TokenStore, ledger ConsentLedger, mailer Mailer, list SubscriberList, opts ...Option) *Service {
	s := &Service{
		limiter: limiter,
		tokens:  tokenStore,
		ledger:  ledger,
		mailer:  mailer,
		list:    list,
		policy:  ratelimit.PolicyConsent,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe records consent, issues a confirmation token and sends the
// confirmation email, in that order. Nothing is rolled back when the email
// cannot be sent; the caller receives an *UpstreamError.
func (s *Service) Subscribe(ctx context.Context, in SubscribeInput) (*SubscribeResult, error) {
	decision, err := s.limiter.Admit(ctx, s.policy, in.ClientID)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitError{ResetAt: decision.ResetAt, RetryAfter: decision.RetryAfter(s.now())}
	}

	in.Email = consent.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.DataSubjectID = strings.TrimSpace(in.DataSubjectID)

	if err := validateEmail(in.Email); err != nil {
		return nil, err
	}
	if !in.ConsentGiven {
		return nil, ErrConsentRequired
	}

	subjectID := in.DataSubjectID
	if subjectID == "" {
		subjectID = uuid.NewString()
	} else if err := consent.ValidateSubjectID(subjectID); err != nil {
		return nil, &ValidationError{Field: "dataSubjectId", Message: "invalid DataSubjectId format"}
	}

	userAgent := strings.TrimSpace(in.UserAgent)
	if userAgent == "" {
		userAgent = "unknown"
	}
	ip := in.IPAddress
	if ip == "unknown" {
		ip = ""
	}

	rec, err := s.ledger.Record(ctx, consent.RecordRequest{
		Email:         in.Email,
		DataSubjectID: subjectID,
		Purposes:      []string{models.PurposeMarketing},
		Source:        models.SourceNewsletterForm,
		UserAgent:     userAgent,
		IPAddress:     ip,
		ConsentText:   s.consentText,
	})
	if err != nil {
		return nil, fmt.Errorf("record consent: %w", err)
	}

	token, err := s.tokens.Issue(ctx, tokens.IssueRequest{
		Email:            in.Email,
		FirstName:        in.FirstName,
		DataSubjectID:    subjectID,
		Source:           models.SourceNewsletterForm,
		UserAgent:        userAgent,
		IPAddress:        ip,
		Locale:           i18n.GetLocale(ctx),
		ConsentTimestamp: rec.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	if err := s.mailer.SendConfirmation(ctx, in.Email, token, in.FirstName); err != nil {
		slog.ErrorContext(ctx, "failed to send confirmation email",
			"email", logging.RedactEmail(in.Email),
			"error", err,
		)
		return nil, &UpstreamError{Service: "email", Err: err}
	}

	slog.InfoContext(ctx, "subscription pending confirmation",
		"email", logging.RedactEmail(in.Email),
		"data_subject_id", subjectID,
	)
	return &SubscribeResult{DataSubjectID: subjectID, ConsentID: rec.ID}, nil
}

// Confirm consumes token. An unknown, used or expired token yields
// StatusExpired; only infrastructure failures are returned as errors.
// Welcome email and mailing list sync are best-effort and never change a
// successful result.
func (s *Service) Confirm(ctx context.Context, token string) (*ConfirmResult, error) {
	sub, err := s.tokens.Confirm(ctx, strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("confirm token: %w", err)
	}
	if sub == nil {
		return &ConfirmResult{Status: StatusExpired}, nil
	}

	email := sub.Email
	firstName := sub.FirstNameOrEmpty()

	if _, err := s.ledger.MarkVerified(ctx, email, sub.DataSubjectID); err != nil {
		slog.ErrorContext(ctx, "failed to mark consent verified",
			"email", logging.RedactEmail(email),
			"data_subject_id", sub.DataSubjectID,
			"error", err,
		)
	}

	// The welcome email goes out in the language of the signup, not the
	// language of whoever opens the link.
	mailCtx := ctx
	if sub.Locale != "" {
		mailCtx = i18n.WithLocaleName(ctx, sub.Locale)
	}
	if err := s.mailer.SendWelcome(mailCtx, email, firstName); err != nil {
		slog.ErrorContext(ctx, "failed to send welcome email",
			"email", logging.RedactEmail(email),
			"error", err,
		)
	}

	if s.list != nil {
		if err := s.list.Subscribe(ctx, email, firstName); err != nil {
			slog.ErrorContext(ctx, "failed to sync subscriber",
				"email", logging.RedactEmail(email),
				"error", err,
			)
		}
	}

	slog.InfoContext(ctx, "subscription confirmed", "email", logging.RedactEmail(email))
	return &ConfirmResult{Status: StatusSuccess, Email: email, FirstName: firstName}, nil
}

func validateEmail(email string) error {
	err := validation.Validate(email,
		validation.Required.Error("email is required"),
		validation.RuneLength(1, MaxEmailLength).Error("email must not exceed 254 characters"),
		is.EmailFormat.Error("invalid email address"),
	)
	if err == nil {
		return nil
	}

	var verr validation.Error
	if errors.As(err, &verr) {
		return &ValidationError{Field: "email", Message: verr.Message()}
	}
	return &ValidationError{Field: "email", Message: err.Error()}
}
