// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/services/tokens"
)

// Sweeper removes expired confirmation tokens and stale rate limit windows.
type Sweeper struct {
	tokens    *tokens.Store
	windows   *ratelimit.SQLStore
	maxWindow time.Duration
	now       func() time.Time
}

// SweepResult counts the rows removed by one sweep and the confirmations
// still pending afterwards.
type SweepResult struct {
	Tokens  int64
	Windows int64
	Pending int64
}

// NewSweeper creates a Sweeper. Windows older than maxWindow are stale.
func NewSweeper(tokenStore *tokens.Store, windows *ratelimit.SQLStore, maxWindow time.Duration) *Sweeper {
	return &Sweeper{
		tokens:    tokenStore,
		windows:   windows,
		maxWindow: maxWindow,
		now:       time.Now,
	}
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	n, err := s.tokens.Sweep(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep tokens: %w", err)
	}
	res.Tokens = n

	n, err = s.windows.Cleanup(ctx, s.now().Add(-s.maxWindow))
	if err != nil {
		return res, fmt.Errorf("sweep rate limit windows: %w", err)
	}
	res.Windows = n

	n, err = s.tokens.Pending(ctx)
	if err != nil {
		return res, err
	}
	res.Pending = n

	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "sweep failed", "error", err)
				continue
			}
			if res.Tokens > 0 || res.Windows > 0 {
				slog.InfoContext(ctx, "sweep finished", "tokens", res.Tokens, "windows", res.Windows, "pending", res.Pending)
			}
		}
	}
}
