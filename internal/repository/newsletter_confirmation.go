// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"github.com/vinovest/sqlx"
)

const pendingSubscriptionColumns = `token, email, data_subject_id, first_name, source, user_agent, ip_address,
	locale, consent_timestamp, expires_at, confirmed_at, created_at`

// CreatePendingSubscription stores a new unconfirmed subscription.
func (r *Repository) CreatePendingSubscription(ctx context.Context, p *models.PendingSubscription) error {
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO newsletter_confirmations (`+pendingSubscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.Token, p.Email, p.DataSubjectID, p.FirstName, p.Source, p.UserAgent, p.IPAddress,
		p.Locale, p.ConsentTimestamp.UTC(), p.ExpiresAt.UTC(), utcPtr(p.ConfirmedAt), p.CreatedAt.UTC())
	return err
}

// GetPendingSubscription retrieves a subscription by token regardless of its state.
func (r *Repository) GetPendingSubscription(ctx context.Context, token string) (*models.PendingSubscription, error) {
	var p models.PendingSubscription
	err := r.db.GetContext(ctx, &p, r.q(`SELECT `+pendingSubscriptionColumns+` FROM newsletter_confirmations WHERE token = ?`), token)
	if err != nil {
		return nil, wrapError(err)
	}
	return &p, nil
}

// ConfirmPendingSubscription marks an unconfirmed, unexpired subscription as confirmed
// and returns it. The conditional UPDATE is the only gate: of any number of
// concurrent callers for the same token exactly one sees a row affected.
// Returns ErrNotFound when the token is unknown, already confirmed, or expired at now.
func (r *Repository) ConfirmPendingSubscription(ctx context.Context, token string, now time.Time) (*models.PendingSubscription, error) {
	var p models.PendingSubscription
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, r.q(`UPDATE newsletter_confirmations SET confirmed_at = ?
			WHERE token = ? AND confirmed_at IS NULL AND expires_at >= ?`),
			now.UTC(), token, now.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.GetContext(ctx, &p, r.q(`SELECT `+pendingSubscriptionColumns+` FROM newsletter_confirmations WHERE token = ?`), token)
	})
	if err != nil {
		return nil, wrapError(err)
	}
	return &p, nil
}

// DeleteExpiredPendingSubscription removes one token if it is expired at now.
func (r *Repository) DeleteExpiredPendingSubscription(ctx context.Context, token string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM newsletter_confirmations WHERE token = ? AND expires_at < ?`), token, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredPendingSubscriptions deletes every subscription that expired before now.
func (r *Repository) DeleteExpiredPendingSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM newsletter_confirmations WHERE expires_at < ?`), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeletePendingSubscriptionsByEmail deletes all subscriptions for an email address.
func (r *Repository) DeletePendingSubscriptionsByEmail(ctx context.Context, email string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM newsletter_confirmations WHERE email = ?`), email)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPendingSubscriptions returns the number of unconfirmed subscriptions.
func (r *Repository) CountPendingSubscriptions(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM newsletter_confirmations WHERE confirmed_at IS NULL`)
	return count, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
