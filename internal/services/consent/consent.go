// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package consent keeps the append-only consent audit trail (GDPR Art. 7(1))
// and the access and erasure operations on it (Art. 15, 17).
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"codeberg.org/oliverandrich/optin/internal/logging"
	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/repository"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
)

// DefaultPrivacyPolicyVersion is recorded when no version is configured.
const DefaultPrivacyPolicyVersion = "2025-10-20"

// Errors returned by Record.
var (
	ErrInvalidPurpose = errors.New("invalid consent purpose")
	ErrNoPurpose      = errors.New("at least one consent purpose is required")
	ErrInvalidSource  = errors.New("invalid consent source")
	ErrInvalidEmail   = errors.New("email is required")

	ErrSubjectIDRequired = errors.New("DataSubjectId is required")
	ErrInvalidSubjectID  = errors.New("invalid DataSubjectId format")
)

// RecordRequest describes one consent-capture event.
type RecordRequest struct {
	Email         string
	DataSubjectID string
	Purposes      []string
	Source        models.Source
	UserAgent     string
	IPAddress     string
	ConsentText   string
}

// Ledger records and verifies consent.
type Ledger struct {
	repo          *repository.Repository
	policyVersion string
	now           func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPrivacyPolicyVersion sets the version stamped on new records.
func WithPrivacyPolicyVersion(v string) Option {
	return func(l *Ledger) {
		if v != "" {
			l.policyVersion = v
		}
	}
}

// New creates a Ledger.
func New(repo *repository.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:          repo,
		policyVersion: DefaultPrivacyPolicyVersion,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateSubjectID accepts a UUID in the canonical 8-4-4-4-12 form in any
// letter case. URN and braced forms are rejected.
func ValidateSubjectID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrSubjectIDRequired
	}
	if err := validation.Validate(strings.ToLower(id), is.UUID); err != nil {
		return ErrInvalidSubjectID
	}
	return nil
}

// NormalizePurposes validates purposes against the allow-list and removes
// duplicates, keeping first-seen order.
func NormalizePurposes(purposes []string) (models.Purposes, error) {
	out := make(models.Purposes, 0, len(purposes))
	for _, p := range purposes {
		p = strings.ToLower(strings.TrimSpace(p))
		if !slices.Contains(models.AllowedPurposes, p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPurpose, p)
		}
		if !out.Contains(p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoPurpose
	}
	return out, nil
}

// Record appends a new unverified consent record.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*models.ConsentRecord, error) {
	email := NormalizeEmail(req.Email)
	if email == "" {
		return nil, ErrInvalidEmail
	}

	purposes, err := NormalizePurposes(req.Purposes)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.SourceNewsletterForm
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}

	userAgent := strings.TrimSpace(req.UserAgent)
	if userAgent == "" {
		userAgent = "unknown"
	}

	rec := &models.ConsentRecord{
		ID:                   uuid.NewString(),
		DataSubjectID:        req.DataSubjectID,
		Email:                email,
		Purposes:             purposes,
		Source:               source,
		UserAgent:            userAgent,
		IPAddress:            optional(req.IPAddress),
		ConsentText:          optional(req.ConsentText),
		PrivacyPolicyVersion: l.policyVersion,
		CreatedAt:            l.now().UTC(),
	}
	if err := l.repo.CreateConsentRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("store consent record: %w", err)
	}

	slog.InfoContext(ctx, "consent recorded",
		"id", rec.ID,
		"email", logging.RedactEmail(email),
		"purposes", strings.Join(purposes, ","),
		"source", string(source),
	)
	return rec, nil
}

// MarkVerified flips every unverified record of exactly (email, dataSubjectID)
// to verified. Calling it again is a no-op. A missing record is logged and
// not reported as an error. Returns the number of records changed.
func (l *Ledger) MarkVerified(ctx context.Context, email, dataSubjectID string) (int64, error) {
	email = NormalizeEmail(email)
	n, err := l.repo.MarkConsentRecordsVerified(ctx, email, dataSubjectID)
	if err != nil {
		return 0, fmt.Errorf("mark consent verified: %w", err)
	}
	if n == 0 {
		slog.WarnContext(ctx, "no unverified consent record to verify",
			"email", logging.RedactEmail(email),
			"data_subject_id", dataSubjectID,
		)
	}
	return n, nil
}

// List returns all consent records for email, oldest first.
func (l *Ledger) List(ctx context.Context, email string) ([]models.ConsentRecord, error) {
	records, err := l.repo.ListConsentRecordsByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("list consent records: %w", err)
	}
	return records, nil
}

// HasActiveConsent returns the most recent verified record for email that
// covers purpose, or nil.
func (l *Ledger) HasActiveConsent(ctx context.Context, email, purpose string) (*models.ConsentRecord, error) {
	records, err := l.List(ctx, email)
	if err != nil {
		return nil, err
	}
	return LatestActive(records, purpose), nil
}

// LatestActive returns the newest verified record in records covering
// purpose, or nil. records must be ordered oldest first.
func LatestActive(records []models.ConsentRecord, purpose string) *models.ConsentRecord {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Verified && records[i].Purposes.Contains(purpose) {
			return &records[i]
		}
	}
	return nil
}

// Get returns a single record by ID. A missing record yields
// repository.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*models.ConsentRecord, error) {
	rec, err := l.repo.GetConsentRecord(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("get consent record: %w", err)
	}
	return rec, nil
}

// Count returns the number of stored consent records.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	n, err := l.repo.CountConsentRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("count consent records: %w", err)
	}
	return n, nil
}

// ListBySubject returns all consent records of a data subject, oldest first.
func (l *Ledger) ListBySubject(ctx context.Context, dataSubjectID string) ([]models.ConsentRecord, error) {
	records, err := l.repo.ListConsentRecordsBySubject(ctx, dataSubjectID)
	if err != nil {
		return nil, fmt.Errorf("list consent records: %w", err)
	}
	return records, nil
}

// EraseBySubject deletes every consent record of a data subject.
func (l *Ledger) EraseBySubject(ctx context.Context, dataSubjectID string) (int64, error) {
	n, err := l.repo.DeleteConsentRecordsBySubject(ctx, dataSubjectID)
	if err != nil {
		return 0, fmt.Errorf("erase consent records: %w", err)
	}
	slog.InfoContext(ctx, "consent records erased", "data_subject_id", dataSubjectID, "count", n)
	return n, nil
}

// Export is the portable representation of a subject's consent history.
type Export struct {
	Email          string          `json:"email"`
	ExportDate     time.Time       `json:"exportDate"`
	RecordCount    int             `json:"recordCount"`
	ConsentRecords []ExportedEntry `json:"consentRecords"`
}

// ExportedEntry omits IP address and user agent.
type ExportedEntry struct {
	ID                   string          `json:"id"`
	Purposes             models.Purposes `json:"purposes"`
	Timestamp            time.Time       `json:"timestamp"`
	Source               models.Source   `json:"source"`
	PrivacyPolicyVersion string          `json:"privacyPolicyVersion"`
	Verified             bool            `json:"verified"`
}

// Export returns the consent history for email as indented JSON.
func (l *Ledger) Export(ctx context.Context, email string) ([]byte, error) {
	records, err := l.List(ctx, email)
	if err != nil {
		return nil, err
	}

	out := Export{
		Email:          NormalizeEmail(email),
		ExportDate:     l.now().UTC(),
		RecordCount:    len(records),
		ConsentRecords: make([]ExportedEntry, 0, len(records)),
	}
	for _, r := range records {
		out.ConsentRecords = append(out.ConsentRecords, ExportedEntry{
			ID:                   r.ID,
			Purposes:             r.Purposes,
			Timestamp:            r.CreatedAt.UTC(),
			Source:               r.Source,
			PrivacyPolicyVersion: r.PrivacyPolicyVersion,
			Verified:             r.Verified,
		})
	}

	return json.MarshalIndent(out, "", "  ")
}

// Erase deletes every consent record for email.
func (l *Ledger) Erase(ctx context.Context, email string) (int64, error) {
	email = NormalizeEmail(email)
	n, err := l.repo.DeleteConsentRecordsByEmail(ctx, email)
	if err != nil {
		return 0, fmt.Errorf("erase consent records: %w", err)
	}
	slog.InfoContext(ctx, "consent records erased", "email", logging.RedactEmail(email), "count", n)
	return n, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
