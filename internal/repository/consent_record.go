// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"

	"codeberg.org/oliverandrich/optin/internal/models"
)

const consentRecordColumns = `id, data_subject_id, email, purposes, source, user_agent, ip_address,
	consent_text, privacy_policy_version, verified, created_at`

// CreateConsentRecord appends a consent record.
func (r *Repository) CreateConsentRecord(ctx context.Context, c *models.ConsentRecord) error {
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO consent_records (`+consentRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.DataSubjectID, c.Email, c.Purposes, c.Source, c.UserAgent, c.IPAddress,
		c.ConsentText, c.PrivacyPolicyVersion, c.Verified, c.CreatedAt.UTC())
	return err
}

// GetConsentRecord retrieves a consent record by ID.
func (r *Repository) GetConsentRecord(ctx context.Context, id string) (*models.ConsentRecord, error) {
	var c models.ConsentRecord
	err := r.db.GetContext(ctx, &c, r.q(`SELECT `+consentRecordColumns+` FROM consent_records WHERE id = ?`), id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &c, nil
}

// MarkConsentRecordsVerified flips every unverified record of the (email, data subject) pair.
// Returns the number of records changed; a repeated call changes nothing.
func (r *Repository) MarkConsentRecordsVerified(ctx context.Context, email, dataSubjectID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE consent_records SET verified = ?
		WHERE email = ? AND data_subject_id = ? AND verified = ?`),
		true, email, dataSubjectID, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListConsentRecordsByEmail returns all records for an email, oldest first.
func (r *Repository) ListConsentRecordsByEmail(ctx context.Context, email string) ([]models.ConsentRecord, error) {
	var records []models.ConsentRecord
	err := r.db.SelectContext(ctx, &records, r.q(`SELECT `+consentRecordColumns+` FROM consent_records
		WHERE email = ? ORDER BY created_at ASC, id ASC`), email)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListConsentRecordsBySubject returns all records of a data subject, oldest first.
func (r *Repository) ListConsentRecordsBySubject(ctx context.Context, dataSubjectID string) ([]models.ConsentRecord, error) {
	var records []models.ConsentRecord
	err := r.db.SelectContext(ctx, &records, r.q(`SELECT `+consentRecordColumns+` FROM consent_records
		WHERE data_subject_id = ? ORDER BY created_at ASC, id ASC`), dataSubjectID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteConsentRecordsBySubject erases all records of a data subject.
func (r *Repository) DeleteConsentRecordsBySubject(ctx context.Context, dataSubjectID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM consent_records WHERE data_subject_id = ?`), dataSubjectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteConsentRecordsByEmail erases all records for an email.
func (r *Repository) DeleteConsentRecordsByEmail(ctx context.Context, email string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM consent_records WHERE email = ?`), email)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountConsentRecords returns the total number of consent records.
func (r *Repository) CountConsentRecords(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM consent_records`)
	return count, err
}
