// Package delivery sends one-time passcodes to users over email or SMS.
//
// The plaintext code exists only in transit through this package; it is never
// written to a log line or persisted anywhere.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/mlground/onboard/internal/security"
)

// Destination identifies where a code should be sent and how to address the
// recipient.
type Destination struct {
	Email     string
	Phone     string // E.164
	FirstName string
}

// Sender delivers a one-time passcode to a destination.
type Sender interface {
	SendOTP(ctx context.Context, dest Destination, code string, ttl time.Duration) error
}

// LogSender is the development fallback: it logs that a delivery happened
// without revealing the code or the unmasked destination. Used when no
// email or SMS provider is configured.
type LogSender struct{}

// NewLogSender creates a log-only sender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// SendOTP implements Sender.
func (s *LogSender) SendOTP(ctx context.Context, dest Destination, code string, ttl time.Duration) error {
	slog.Info("LogSender.SendOTP: delivery suppressed, no provider configured",
		"email", security.MaskEmail(dest.Email),
		"phone", security.MaskPhone(dest.Phone),
		"ttl", ttl)
	return nil
}
