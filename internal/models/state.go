// Package models defines persisted state structures for the onboarding workflow.
package models

import "time"

// OTPRecord holds the hashed one-time passcode for a user mid-verification.
// Only the hash and salt are ever persisted; the plaintext code is handed to
// the delivery collaborator and discarded.
type OTPRecord struct {
	CodeHash     string    `json:"code_hash"`
	Salt         string    `json:"salt"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	Locked       bool      `json:"locked"`
}

// UserState is the per-user workflow record. It is owned exclusively by the
// workflow engine and mutated at most once per successfully processed message.
// Version is a monotonic counter used for optimistic concurrency: a save only
// succeeds when the stored version still matches the version the state was
// read at.
type UserState struct {
	UserID      string           `json:"user_id"`
	CurrentStep WorkflowStep     `json:"current_step"`
	Collected   map[Field]string `json:"collected,omitempty"`
	OTP         *OTPRecord       `json:"otp,omitempty"` // present only while CurrentStep == AWAITING_OTP
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewUserState initializes a fresh state at the start of the sequence.
func NewUserState(userID string) *UserState {
	now := time.Now().UTC()
	return &UserState{
		UserID:      userID,
		CurrentStep: StepAwaitingTerms,
		Collected:   make(map[Field]string),
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Get returns the collected value for a field, or "" when absent.
func (s *UserState) Get(f Field) string {
	if s.Collected == nil {
		return ""
	}
	return s.Collected[f]
}

// Set stores a validated value for a field.
func (s *UserState) Set(f Field, value string) {
	if s.Collected == nil {
		s.Collected = make(map[Field]string)
	}
	s.Collected[f] = value
}

// DirectoryRecord is the persisted identity of a fully verified user.
// Created at the ACTIVE transition; immutable afterwards except for the
// LastLogin touch on return visits.
type DirectoryRecord struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Phone       string    `json:"phone"` // E.164
	CountryCode string    `json:"country_code"`
	VerifiedAt  time.Time `json:"verified_at"`
	LastLogin   time.Time `json:"last_login"`
}
