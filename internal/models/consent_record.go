// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// ConsentRecord is one entry of the append-only consent audit trail.
type ConsentRecord struct { //nolint:govet // fieldalignment not critical for models
	ID                   string    `db:"id" json:"id"`
	DataSubjectID        string    `db:"data_subject_id" json:"data_subject_id"`
	Email                string    `db:"email" json:"email"`
	Purposes             Purposes  `db:"purposes" json:"purposes"`
	Source               Source    `db:"source" json:"source"`
	UserAgent            string    `db:"user_agent" json:"-"`
	IPAddress            *string   `db:"ip_address" json:"-"`
	ConsentText          *string   `db:"consent_text" json:"consent_text,omitempty"`
	PrivacyPolicyVersion string    `db:"privacy_policy_version" json:"privacy_policy_version"`
	Verified             bool      `db:"verified" json:"verified"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}
