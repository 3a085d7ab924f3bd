// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package models holds the persisted records of the opt-in workflow.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Source identifies the form that captured a subscription or consent.
type Source string

const (
	SourceNewsletterForm Source = "newsletter_form"
	SourceContactForm    Source = "contact_form"
	SourceDownloadForm   Source = "download_form"
)

// Valid reports whether s is a known capture source.
func (s Source) Valid() bool {
	switch s {
	case SourceNewsletterForm, SourceContactForm, SourceDownloadForm:
		return true
	}
	return false
}

// Consent purposes a data subject can agree to.
const (
	PurposeContact   = "contact"
	PurposeMarketing = "marketing"
	PurposeAnalytics = "analytics"
	PurposeDownloads = "downloads"
)

// AllowedPurposes is the allow-list consent records are validated against.
var AllowedPurposes = []string{PurposeContact, PurposeMarketing, PurposeAnalytics, PurposeDownloads}

// Purposes is a set of consent purposes stored as a JSON array.
type Purposes []string

// Value implements driver.Valuer.
func (p Purposes) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Purposes) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Purposes{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("purposes: unsupported scan type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("purposes: %w", err)
	}
	*p = out
	return nil
}

// Contains reports whether purpose is part of the set.
func (p Purposes) Contains(purpose string) bool {
	for _, v := range p {
		if v == purpose {
			return true
		}
	}
	return false
}
