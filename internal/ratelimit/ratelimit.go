// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package ratelimit implements fixed-window admission control per named policy.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy names.
const (
	PolicyConsent     = "consent"
	PolicyConsentRead = "consent-read"
	PolicyExport      = "export"
	PolicyDelete      = "delete"
	PolicyContact     = "contact"
)

// ErrUnknownPolicy is returned by Admit for a policy that was never configured.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// Policy bounds the number of admitted actions per identifier per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Validate reports whether the policy can admit anything at all.
func (p Policy) Validate() error {
	if p.Limit < 1 {
		return fmt.Errorf("limit must be at least 1, got %d", p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyConsent:     {Limit: 10, Window: 15 * time.Minute},
		PolicyConsentRead: {Limit: 30, Window: time.Minute},
		PolicyExport:      {Limit: 5, Window: time.Minute},
		PolicyDelete:      {Limit: 3, Window: time.Minute},
		PolicyContact:     {Limit: 5, Window: 15 * time.Minute},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds a denied caller should wait, never less than one.
func (d Decision) RetryAfter(now time.Time) int {
	return RetryAfterSeconds(d.ResetAt, now)
}

// RetryAfterSeconds computes max(1, ceil((resetAt-now)/1s)).
func RetryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(1, secs)
}

// Window is the state of a counter after a hit.
type Window struct {
	Hits    int
	ResetAt time.Time
}

// Store counts hits in fixed windows. Hit must increment and return the new
// count atomically for key.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error)
}

// Limiter admits actions against named policies.
type Limiter struct {
	store    Store
	policies map[string]Policy
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over store. Policies are validated up front.
func New(store Store, policies map[string]Policy, opts ...Option) (*Limiter, error) {
	for name, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
	}

	l := &Limiter{
		store:    store,
		policies: policies,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the named policy.
func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

// Admit records an action for identifier under policy and reports whether it
// is within the limit. The n-th hit in a window is admitted iff n <= Limit.
// An empty identifier is admitted without being counted.
func (l *Limiter) Admit(ctx context.Context, policy, identifier string) (Decision, error) {
	p, ok := l.policies[policy]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownPolicy, policy)
	}

	now := l.now()
	if identifier == "" {
		return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit, ResetAt: now.Add(p.Window)}, nil
	}

	w, err := l.store.Hit(ctx, policy+"|"+identifier, now, p.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit hit: %w", err)
	}

	return Decision{
		Allowed:   w.Hits <= p.Limit,
		Limit:     p.Limit,
		Remaining: max(0, p.Limit-w.Hits),
		ResetAt:   w.ResetAt,
	}, nil
}

// MaxWindow returns the longest configured window, used to age out stored counters.
func (l *Limiter) MaxWindow() time.Duration {
	var longest time.Duration
	for _, p := range l.policies {
		longest = max(longest, p.Window)
	}
	return longest
}
