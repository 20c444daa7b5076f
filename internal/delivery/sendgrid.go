// Package delivery sends one-time passcodes to users over email or SMS.
//
// This file implements the SendGrid email sender.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/mlground/onboard/internal/security"
)

// Opts holds configuration options for delivery senders.
type Opts struct {
	APIKey     string
	FromEmail  string
	FromName   string
	AccountSID string
	AuthToken  string
	FromPhone  string
}

// Option defines a configuration option for delivery senders.
type Option func(*Opts)

// WithAPIKey sets the SendGrid API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithFromEmail sets the sender address for email delivery.
func WithFromEmail(email string) Option {
	return func(o *Opts) { o.FromEmail = email }
}

// WithFromName sets the display name for email delivery.
func WithFromName(name string) Option {
	return func(o *Opts) { o.FromName = name }
}

// sendGridAPI is the slice of the SendGrid client this package uses,
// extracted for mocking.
type sendGridAPI interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender delivers codes by email through SendGrid.
type SendGridSender struct {
	client    sendGridAPI
	fromEmail string
	fromName  string
}

// NewSendGridSender creates an email sender backed by SendGrid.
func NewSendGridSender(opts ...Option) (*SendGridSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SendGridSender config loaded", "APIKey_set", cfg.APIKey != "", "FromEmail_set", cfg.FromEmail != "")

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SendGrid API key must be provided")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("from email must be provided")
	}
	if cfg.FromName == "" {
		cfg.FromName = "Onboarding"
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}, nil
}

// SendOTP implements Sender.
func (s *SendGridSender) SendOTP(ctx context.Context, dest Destination, code string, ttl time.Duration) error {
	if dest.Email == "" {
		return fmt.Errorf("destination has no email address")
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(dest.FirstName, dest.Email)
	subject := "Your verification code"
	body := fmt.Sprintf("Hi %s,\n\nYour verification code is %s. It expires in %d minutes.\n\nIf you did not request this, you can ignore this message.",
		dest.FirstName, code, int(ttl.Minutes()))
	message := mail.NewSingleEmail(from, subject, to, body, "")

	resp, err := s.client.Send(message)
	if err != nil {
		slog.Error("SendGridSender.SendOTP failed", "error", err, "email", security.MaskEmail(dest.Email))
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		slog.Error("SendGridSender.SendOTP rejected", "status", resp.StatusCode, "email", security.MaskEmail(dest.Email))
		return fmt.Errorf("verification email rejected with status %d", resp.StatusCode)
	}

	slog.Info("SendGridSender.SendOTP: email sent", "email", security.MaskEmail(dest.Email), "status", resp.StatusCode)
	return nil
}
