// Package otp generates, hashes, and verifies one-time passcodes.
//
// Codes are never persisted or logged in plaintext: each record stores only a
// keyed, salted hash. Verification is constant-time and attempt-limited.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mlground/onboard/internal/extract"
	"github.com/mlground/onboard/internal/models"
)

// Default engine parameters. Confirmed design choices, not deployment facts.
const (
	// DefaultCodeLength is the number of digits in a generated code.
	DefaultCodeLength = 6
	// DefaultTTL is how long an issued code stays verifiable.
	DefaultTTL = 10 * time.Minute
	// DefaultMaxAttempts is the mismatch budget before a record locks.
	DefaultMaxAttempts = 5
	// saltBytes is the per-record salt size before hex encoding.
	saltBytes = 16
)

// Opts holds configuration for the OTP engine.
type Opts struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
}

// Option configures the OTP engine.
type Option func(*Opts)

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithMaxAttempts overrides the mismatch budget.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// Engine issues and verifies one-time passcodes. The key is the deployment
// secret used for the keyed hash; per-record salts make identical codes hash
// differently.
type Engine struct {
	key         []byte
	ttl         time.Duration
	maxAttempts int
	codeLength  int
	now         func() time.Time
}

// NewEngine creates an OTP engine with the given hashing key.
func NewEngine(key string, opts ...Option) (*Engine, error) {
	if key == "" {
		return nil, fmt.Errorf("OTP hashing key not set")
	}
	cfg := Opts{TTL: DefaultTTL, MaxAttempts: DefaultMaxAttempts, CodeLength: DefaultCodeLength}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("otp.NewEngine: engine configured", "ttl", cfg.TTL, "maxAttempts", cfg.MaxAttempts, "codeLength", cfg.CodeLength)
	return &Engine{
		key:         []byte(key),
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		codeLength:  cfg.CodeLength,
		now:         time.Now,
	}, nil
}

// TTL returns the configured code lifetime.
func (e *Engine) TTL() time.Duration {
	return e.ttl
}

// Issue generates a fresh code and its hashed record. The plaintext code is
// returned once for the delivery collaborator and must not be persisted.
func (e *Engine) Issue() (string, *models.OTPRecord, error) {
	code, err := e.generateCode()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate code: %w", err)
	}

	saltRaw := make([]byte, saltBytes)
	if _, err := rand.Read(saltRaw); err != nil {
		return "", nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltRaw)

	now := e.now().UTC()
	record := &models.OTPRecord{
		CodeHash:     e.hash(code, salt),
		Salt:         salt,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.ttl),
		AttemptCount: 0,
		MaxAttempts:  e.maxAttempts,
		Locked:       false,
	}

	slog.Info("otp.Issue: code issued", "expiresAt", record.ExpiresAt, "maxAttempts", record.MaxAttempts)
	return code, record, nil
}

// Verify checks a candidate against the record. It mutates the record's
// attempt and lock state; the caller is responsible for persisting it.
// Lock wins over expiry, which wins over comparison.
func (e *Engine) Verify(record *models.OTPRecord, candidate string) models.ValidationResult {
	if record == nil {
		return models.Invalid(models.ErrorKindMalformed, "no OTP record present")
	}
	if record.Locked {
		return models.Invalid(models.ErrorKindOTPLocked, "record locked by prior attempts")
	}
	if e.now().UTC().After(record.ExpiresAt) {
		return models.Invalid(models.ErrorKindOTPExpired, "code past expiry")
	}

	digits := extract.Digits(candidate)
	if len(digits) != e.codeLength {
		return models.Invalid(models.ErrorKindMalformed, fmt.Sprintf("candidate is not a %d-digit code", e.codeLength))
	}

	if hmac.Equal([]byte(e.hash(digits, record.Salt)), []byte(record.CodeHash)) {
		slog.Info("otp.Verify: code verified")
		return models.ValidOK(nil)
	}

	record.AttemptCount++
	remaining := record.MaxAttempts - record.AttemptCount
	if remaining <= 0 {
		record.Locked = true
		slog.Warn("otp.Verify: record locked after max attempts", "attempts", record.AttemptCount)
		return models.Invalid(models.ErrorKindOTPLocked, "attempt budget exhausted")
	}

	slog.Warn("otp.Verify: mismatch", "attemptsRemaining", remaining)
	result := models.Invalid(models.ErrorKindOTPMismatch, "hash mismatch")
	result.Meta = map[string]string{"attempts_remaining": fmt.Sprintf("%d", remaining)}
	return result
}

// hash computes the keyed, salted hash of a code: HMAC-SHA256 over salt||code.
func (e *Engine) hash(code, salt string) string {
	mac := hmac.New(sha256.New, e.key)
	mac.Write([]byte(salt))
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateCode produces a uniformly random code of codeLength decimal digits.
func (e *Engine) generateCode() (string, error) {
	digits := make([]byte, e.codeLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
