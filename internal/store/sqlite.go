// Package store provides storage backends for onboarding state and the user
// directory.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/mlground/onboard/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetUserState retrieves the onboarding state for a user, or nil if none.
func (s *SQLiteStore) GetUserState(userID string) (*models.UserState, error) {
	query := `SELECT user_id, current_step, collected, otp, version, created_at, updated_at
			  FROM user_states WHERE user_id = ?`

	state, err := scanUserState(s.db.QueryRow(query, userID))
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetUserState: not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetUserState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user state for %s: %w", userID, err)
	}
	return state, nil
}

// SaveUserState performs a version compare-and-swap. expectedVersion 0 inserts
// a fresh record; anything else updates only if the stored version matches.
func (s *SQLiteStore) SaveUserState(state *models.UserState, expectedVersion int64) (bool, error) {
	if state == nil {
		return false, fmt.Errorf("nil user state")
	}
	collectedJSON, otpJSON, err := encodeStateBlobs(state)
	if err != nil {
		slog.Error("SQLiteStore.SaveUserState encode failed", "error", err, "userID", state.UserID)
		return false, err
	}
	now := time.Now().UTC()

	var result sql.Result
	if expectedVersion == 0 {
		result, err = s.db.Exec(
			`INSERT OR IGNORE INTO user_states (user_id, current_step, collected, otp, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			state.UserID, string(state.CurrentStep), collectedJSON, otpJSON, state.CreatedAt, now)
	} else {
		result, err = s.db.Exec(
			`UPDATE user_states SET current_step = ?, collected = ?, otp = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			string(state.CurrentStep), collectedJSON, otpJSON, now, state.UserID, expectedVersion)
	}
	if err != nil {
		slog.Error("SQLiteStore.SaveUserState failed", "error", err, "userID", state.UserID)
		return false, fmt.Errorf("failed to save user state for %s: %w", state.UserID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		slog.Debug("SQLiteStore.SaveUserState: version check lost", "userID", state.UserID, "expected", expectedVersion)
		return false, nil
	}

	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	slog.Debug("SQLiteStore.SaveUserState: saved", "userID", state.UserID, "step", state.CurrentStep, "version", state.Version)
	return true, nil
}

// GetDirectoryRecord looks up a verified user by email and last name,
// case-insensitively.
func (s *SQLiteStore) GetDirectoryRecord(email, lastName string) (*models.DirectoryRecord, error) {
	query := `SELECT id, email, first_name, last_name, phone, country_code, verified_at, last_login
			  FROM directory WHERE lower(email) = lower(?) AND lower(last_name) = lower(trim(?))`

	var r models.DirectoryRecord
	err := s.db.QueryRow(query, email, lastName).Scan(
		&r.ID, &r.Email, &r.FirstName, &r.LastName, &r.Phone, &r.CountryCode, &r.VerifiedAt, &r.LastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetDirectoryRecord failed", "error", err)
		return nil, fmt.Errorf("failed to get directory record: %w", err)
	}
	return &r, nil
}

// UpsertDirectoryRecord inserts the record keyed by its ID. An existing row
// with the same ID only gets its last-login refreshed; a conflict on any other
// constraint fails rather than overwrite someone else's record.
func (s *SQLiteStore) UpsertDirectoryRecord(record *models.DirectoryRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("directory record missing ID")
	}
	_, err := s.db.Exec(
		`INSERT INTO directory (id, email, first_name, last_name, phone, country_code, verified_at, last_login)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET last_login = excluded.last_login`,
		record.ID, record.Email, record.FirstName, record.LastName,
		record.Phone, record.CountryCode, record.VerifiedAt, record.LastLogin)
	if err != nil {
		slog.Error("SQLiteStore.UpsertDirectoryRecord failed", "error", err, "id", record.ID)
		return fmt.Errorf("failed to upsert directory record %s: %w", record.ID, err)
	}
	slog.Debug("SQLiteStore.UpsertDirectoryRecord succeeded", "id", record.ID)
	return nil
}

// TouchLastLogin updates only the last-login timestamp of a directory record.
func (s *SQLiteStore) TouchLastLogin(id string, at time.Time) error {
	result, err := s.db.Exec(`UPDATE directory SET last_login = ? WHERE id = ?`, at, id)
	if err != nil {
		slog.Error("SQLiteStore.TouchLastLogin failed", "error", err, "id", id)
		return fmt.Errorf("failed to touch last login for %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("directory record %s not found", id)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
