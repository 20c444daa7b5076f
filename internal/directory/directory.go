// Package directory maintains the registry of fully verified users on top of
// the store. Lookups personalize returning users; records are written once at
// verification and only the last-login timestamp changes afterwards.
package directory

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/store"
)

// Directory wraps the store's directory tables with the matching rules.
type Directory struct {
	store store.Store
}

// New creates a directory over the given store.
func New(st store.Store) *Directory {
	return &Directory{store: st}
}

// Lookup finds a verified user by email and last name, both case-insensitive.
// The store is keyed on the pair, so a shared address resolves each user by
// their own last name and cannot impersonate another.
func (d *Directory) Lookup(email, lastName string) (*models.DirectoryRecord, error) {
	record, err := d.store.GetDirectoryRecord(email, lastName)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	if record == nil {
		slog.Debug("Directory.Lookup: no verified record for email and last name")
		return nil, nil
	}
	return record, nil
}

// RecordVerified registers a user who just completed verification. A returning
// user (matched by email and last name) only gets a last-login touch; identity
// fields stay as first verified. A new user gets a fresh record.
func (d *Directory) RecordVerified(state *models.UserState) (*models.DirectoryRecord, bool, error) {
	email := state.Get(models.FieldEmail)
	lastName := state.Get(models.FieldLastName)
	now := time.Now().UTC()

	existing, err := d.Lookup(email, lastName)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := d.store.TouchLastLogin(existing.ID, now); err != nil {
			return nil, false, fmt.Errorf("failed to touch last login: %w", err)
		}
		existing.LastLogin = now
		slog.Info("Directory.RecordVerified: returning user", "id", existing.ID)
		return existing, true, nil
	}

	record := &models.DirectoryRecord{
		ID:          uuid.New().String(),
		Email:       strings.ToLower(strings.TrimSpace(email)),
		FirstName:   state.Get(models.FieldFirstName),
		LastName:    lastName,
		Phone:       state.Get(models.FieldPhone),
		CountryCode: state.Get(models.FieldCountryCode),
		VerifiedAt:  now,
		LastLogin:   now,
	}
	if err := d.store.UpsertDirectoryRecord(record); err != nil {
		return nil, false, fmt.Errorf("failed to create directory record: %w", err)
	}
	slog.Info("Directory.RecordVerified: new user registered", "id", record.ID)
	return record, false, nil
}
