// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email

import (
	"context"
	"log/slog"

	"codeberg.org/oliverandrich/optin/internal/logging"
)

// LogSender writes messages to the log instead of delivering them.
// Meant for local development.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, m Message) error {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email not sent (log driver)",
		"to", logging.RedactEmail(m.To),
		"subject", m.Subject,
		"body", m.Body,
	)
	return nil
}
