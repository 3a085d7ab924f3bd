// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package email renders and delivers the double opt-in emails.
package email

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"codeberg.org/oliverandrich/optin/internal/config"
	"codeberg.org/oliverandrich/optin/internal/i18n"
)

// Message is a rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders localized confirmation and welcome emails and hands them
// to a Sender. The locale is taken from the request context.
type Mailer struct {
	sender  Sender
	siteURL string
}

// NewMailer creates a Mailer building links below siteURL.
func NewMailer(sender Sender, siteURL string) *Mailer {
	return &Mailer{
		sender:  sender,
		siteURL: strings.TrimSuffix(siteURL, "/"),
	}
}

// New builds a Mailer for the configured driver.
func New(ctx context.Context, cfg *config.Config) (*Mailer, error) {
	var (
		sender Sender
		err    error
	)

	switch cfg.Mail.Driver {
	case config.MailDriverSMTP:
		sender, err = NewSMTPSender(cfg.SMTP, cfg.Mail)
	case config.MailDriverSES:
		sender, err = NewSESSender(ctx, cfg.SES, cfg.Mail)
	case config.MailDriverLog, "":
		sender = NewLogSender(nil)
	default:
		err = fmt.Errorf("unknown mail driver %q", cfg.Mail.Driver)
	}
	if err != nil {
		return nil, err
	}

	return NewMailer(sender, cfg.Newsletter.SiteURL), nil
}

// ConfirmURL returns the confirmation link for token.
func (m *Mailer) ConfirmURL(token string) string {
	return fmt.Sprintf("%s/newsletter/confirm/%s", m.siteURL, url.PathEscape(token))
}

// SendConfirmation sends the email containing the confirmation link.
func (m *Mailer) SendConfirmation(ctx context.Context, toEmail, token, firstName string) error {
	subject := i18n.T(ctx, "email_confirmation_subject")
	body := i18n.TData(ctx, "email_confirmation_body", map[string]any{
		"FirstName":  firstName,
		"ConfirmURL": m.ConfirmURL(token),
	})

	return m.sender.Send(ctx, Message{To: toEmail, Subject: subject, Body: body})
}

// SendWelcome sends the email following a successful confirmation.
func (m *Mailer) SendWelcome(ctx context.Context, toEmail, firstName string) error {
	subject := i18n.T(ctx, "email_welcome_subject")
	body := i18n.TData(ctx, "email_welcome_body", map[string]any{
		"FirstName": firstName,
	})

	return m.sender.Send(ctx, Message{To: toEmail, Subject: subject, Body: body})
}
