// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// TokenTTL is how long a confirmation token stays usable.
const TokenTTL = 24 * time.Hour

// PendingSubscription is a newsletter signup awaiting double opt-in confirmation.
type PendingSubscription struct { //nolint:govet // fieldalignment: readability over optimization
	Token            string     `db:"token" json:"-"`
	Email            string     `db:"email" json:"email"`
	FirstName        *string    `db:"first_name" json:"first_name,omitempty"`
	DataSubjectID    string     `db:"data_subject_id" json:"data_subject_id"`
	Source           Source     `db:"source" json:"source"`
	UserAgent        string     `db:"user_agent" json:"-"`
	IPAddress        *string    `db:"ip_address" json:"-"`
	Locale           string     `db:"locale" json:"locale,omitempty"`
	ConsentTimestamp time.Time  `db:"consent_timestamp" json:"consent_timestamp"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expires_at"`
	ConfirmedAt      *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	Verified         bool       `db:"-" json:"verified"`
}

// Expired reports whether the subscription is unusable at now.
// A token is still valid at exactly ExpiresAt.
func (p *PendingSubscription) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// FirstNameOrEmpty returns the first name or an empty string.
func (p *PendingSubscription) FirstNameOrEmpty() string {
	if p.FirstName == nil {
		return ""
	}
	return *p.FirstName
}
