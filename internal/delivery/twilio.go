// Package delivery sends one-time passcodes to users over email or SMS.
//
// This file implements the Twilio SMS sender.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/mlground/onboard/internal/security"
)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromPhone sets the sending phone number for SMS delivery.
func WithFromPhone(from string) Option {
	return func(o *Opts) { o.FromPhone = from }
}

// twilioMessageAPI is the slice of the Twilio client this package uses,
// extracted for mocking.
type twilioMessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender delivers codes by SMS through Twilio.
type TwilioSender struct {
	api       twilioMessageAPI
	fromPhone string
}

// NewTwilioSender creates an SMS sender backed by Twilio.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("TwilioSender config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromPhone_set", cfg.FromPhone != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromPhone == "" {
		return nil, fmt.Errorf("from phone number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, fromPhone: cfg.FromPhone}, nil
}

// SendOTP implements Sender.
func (s *TwilioSender) SendOTP(ctx context.Context, dest Destination, code string, ttl time.Duration) error {
	if dest.Phone == "" {
		return fmt.Errorf("destination has no phone number")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(dest.Phone)
	params.SetFrom(s.fromPhone)
	params.SetBody(fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl.Minutes())))

	if _, err := s.api.CreateMessage(params); err != nil {
		slog.Error("TwilioSender.SendOTP failed", "error", err, "phone", security.MaskPhone(dest.Phone))
		return fmt.Errorf("failed to send verification SMS: %w", err)
	}

	slog.Info("TwilioSender.SendOTP: SMS sent", "phone", security.MaskPhone(dest.Phone))
	return nil
}
