// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package crm adds confirmed subscribers to the mailing list kept by an
// external CRM (ConvertKit form subscribe API).
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/oliverandrich/optin/internal/config"
	"codeberg.org/oliverandrich/optin/internal/logging"
	"golang.org/x/time/rate"
)

// Subscriber adds an email address to the mailing list.
type Subscriber interface {
	Subscribe(ctx context.Context, email, firstName string) error
}

// StatusError is returned when the CRM answers with a non-2xx status after
// all retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm: unexpected status %d: %s", e.StatusCode, e.Body)
}

// New returns a Client when CRM sync is enabled and a Noop otherwise.
func New(cfg config.CRMConfig) (Subscriber, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewClient(cfg)
}

// Noop discards subscriptions.
type Noop struct{}

// Subscribe implements Subscriber.
func (Noop) Subscribe(context.Context, string, string) error { return nil }

// Client talks to the CRM HTTP API. Requests are paced by a token bucket
// and retried with exponential backoff on 429 and 5xx responses.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// NewClient creates a CRM client for the configured form.
func NewClient(cfg config.CRMConfig, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("crm: API key is required")
	}
	if cfg.FormID == "" {
		return nil, errors.New("crm: form ID is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("crm: invalid base URL %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	retries := max(cfg.MaxRetries, 0)

	c := &Client{
		endpoint:   fmt.Sprintf("%s/forms/%s/subscribe", strings.TrimSuffix(cfg.BaseURL, "/"), url.PathEscape(cfg.FormID)),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: retries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

type subscribeRequest struct {
	APIKey    string `json:"api_key"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

// Subscribe implements Subscriber.
func (c *Client) Subscribe(ctx context.Context, email, firstName string) error {
	payload, err := json.Marshal(subscribeRequest{
		APIKey:    c.apiKey,
		Email:     email,
		FirstName: strings.TrimSpace(firstName),
	})
	if err != nil {
		return fmt.Errorf("crm: encoding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.delay(attempt)
			slog.WarnContext(ctx, "retrying CRM request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay", delay,
				"email", logging.RedactEmail(email),
				"error", lastErr,
			)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("crm: %w", errors.Join(ctx.Err(), lastErr))
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("crm: waiting for rate limiter: %w", err)
		}

		retry, err := c.do(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return err
		}
	}

	return lastErr
}

// do performs one request and reports whether a failure may be retried.
func (c *Client) do(ctx context.Context, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("crm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("crm: executing request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	return isRetryableStatus(resp.StatusCode), &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// delay is exponential backoff with full jitter, never below a tenth of
// the base delay.
func (c *Client) delay(attempt int) time.Duration {
	exp := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.maxDelay) {
		exp = float64(c.maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if floor := c.baseDelay / 10; d < floor {
		d = floor
	}
	return d
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
