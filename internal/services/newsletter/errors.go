// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package newsletter

import (
	"errors"
	"fmt"
	"time"
)

// ErrConsentRequired is returned when a subscription arrives without consent.
var ErrConsentRequired = errors.New("you must consent to receive marketing emails to subscribe")

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RateLimitError is returned when the caller exhausted its admission budget.
type RateLimitError struct {
	ResetAt    time.Time
	RetryAfter int // seconds, at least 1
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, try again in %ds", e.RetryAfter)
}

// UpstreamError wraps a failure of an external collaborator (mail delivery, CRM).
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
