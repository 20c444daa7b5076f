// Package store provides storage backends for onboarding state and the user
// directory.
//
// This file implements the in-memory store used by tests and single-process
// development runs.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mlground/onboard/internal/models"
)

// InMemoryStore keeps user states and directory records in process memory.
// All methods are safe for concurrent use.
type InMemoryStore struct {
	mu        sync.Mutex
	states    map[string]*models.UserState
	directory map[string]*models.DirectoryRecord // keyed by record ID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	slog.Debug("InMemoryStore.NewInMemoryStore: creating in-memory store")
	return &InMemoryStore{
		states:    make(map[string]*models.UserState),
		directory: make(map[string]*models.DirectoryRecord),
	}
}

// GetUserState returns a copy of the stored state, or nil if none exists.
func (s *InMemoryStore) GetUserState(userID string) (*models.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[userID]
	if !ok {
		slog.Debug("InMemoryStore.GetUserState: not found", "userID", userID)
		return nil, nil
	}
	return copyUserState(state), nil
}

// SaveUserState performs the version compare-and-swap against the stored copy.
func (s *InMemoryStore) SaveUserState(state *models.UserState, expectedVersion int64) (bool, error) {
	if state == nil {
		return false, fmt.Errorf("nil user state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.states[state.UserID]
	if expectedVersion == 0 {
		if ok {
			slog.Debug("InMemoryStore.SaveUserState: create lost, record exists", "userID", state.UserID)
			return false, nil
		}
	} else {
		if !ok || existing.Version != expectedVersion {
			slog.Debug("InMemoryStore.SaveUserState: version check lost", "userID", state.UserID, "expected", expectedVersion)
			return false, nil
		}
	}

	state.Version = expectedVersion + 1
	state.UpdatedAt = time.Now().UTC()
	s.states[state.UserID] = copyUserState(state)
	slog.Debug("InMemoryStore.SaveUserState: saved", "userID", state.UserID, "step", state.CurrentStep, "version", state.Version)
	return true, nil
}

// GetDirectoryRecord looks up a record by email and last name, both
// case-insensitive.
func (s *InMemoryStore) GetDirectoryRecord(email, lastName string) (*models.DirectoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emailNeedle := strings.ToLower(strings.TrimSpace(email))
	nameNeedle := strings.ToLower(strings.TrimSpace(lastName))
	for _, record := range s.directory {
		if strings.ToLower(record.Email) == emailNeedle &&
			strings.ToLower(strings.TrimSpace(record.LastName)) == nameNeedle {
			out := *record
			return &out, nil
		}
	}
	return nil, nil
}

// UpsertDirectoryRecord inserts the record keyed by its ID.
func (s *InMemoryStore) UpsertDirectoryRecord(record *models.DirectoryRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("directory record missing ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *record
	s.directory[record.ID] = &stored
	slog.Debug("InMemoryStore.UpsertDirectoryRecord: saved", "id", record.ID)
	return nil
}

// TouchLastLogin updates only the last-login timestamp.
func (s *InMemoryStore) TouchLastLogin(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.directory[id]
	if !ok {
		return fmt.Errorf("directory record %s not found", id)
	}
	record.LastLogin = at
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// copyUserState deep-copies a state so callers never alias the stored maps.
func copyUserState(state *models.UserState) *models.UserState {
	out := *state
	if state.Collected != nil {
		out.Collected = make(map[models.Field]string, len(state.Collected))
		for k, v := range state.Collected {
			out.Collected[k] = v
		}
	}
	if state.OTP != nil {
		otp := *state.OTP
		out.OTP = &otp
	}
	return &out
}
