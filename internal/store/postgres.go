// Package store provides storage backends for onboarding state and the user
// directory.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/mlground/onboard/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// GetUserState retrieves the onboarding state for a user, or nil if none.
func (s *PostgresStore) GetUserState(userID string) (*models.UserState, error) {
	query := `SELECT user_id, current_step, collected, otp, version, created_at, updated_at
			  FROM user_states WHERE user_id = $1`

	state, err := scanUserState(s.db.QueryRow(query, userID))
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetUserState: not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetUserState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user state for %s: %w", userID, err)
	}
	return state, nil
}

// SaveUserState performs a version compare-and-swap. expectedVersion 0 inserts
// a fresh record; anything else updates only if the stored version matches.
func (s *PostgresStore) SaveUserState(state *models.UserState, expectedVersion int64) (bool, error) {
	if state == nil {
		return false, fmt.Errorf("nil user state")
	}
	collectedJSON, otpJSON, err := encodeStateBlobs(state)
	if err != nil {
		slog.Error("PostgresStore.SaveUserState encode failed", "error", err, "userID", state.UserID)
		return false, err
	}
	now := time.Now().UTC()

	var result sql.Result
	if expectedVersion == 0 {
		result, err = s.db.Exec(
			`INSERT INTO user_states (user_id, current_step, collected, otp, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 1, $5, $6)
			 ON CONFLICT (user_id) DO NOTHING`,
			state.UserID, string(state.CurrentStep), collectedJSON, otpJSON, state.CreatedAt, now)
	} else {
		result, err = s.db.Exec(
			`UPDATE user_states SET current_step = $1, collected = $2, otp = $3, version = version + 1, updated_at = $4
			 WHERE user_id = $5 AND version = $6`,
			string(state.CurrentStep), collectedJSON, otpJSON, now, state.UserID, expectedVersion)
	}
	if err != nil {
		slog.Error("PostgresStore.SaveUserState failed", "error", err, "userID", state.UserID)
		return false, fmt.Errorf("failed to save user state for %s: %w", state.UserID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		slog.Debug("PostgresStore.SaveUserState: version check lost", "userID", state.UserID, "expected", expectedVersion)
		return false, nil
	}

	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	return true, nil
}

// GetDirectoryRecord looks up a verified user by email and last name,
// case-insensitively.
func (s *PostgresStore) GetDirectoryRecord(email, lastName string) (*models.DirectoryRecord, error) {
	query := `SELECT id, email, first_name, last_name, phone, country_code, verified_at, last_login
			  FROM directory WHERE lower(email) = lower($1) AND lower(last_name) = lower(trim($2))`

	var r models.DirectoryRecord
	err := s.db.QueryRow(query, email, lastName).Scan(
		&r.ID, &r.Email, &r.FirstName, &r.LastName, &r.Phone, &r.CountryCode, &r.VerifiedAt, &r.LastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetDirectoryRecord failed", "error", err)
		return nil, fmt.Errorf("failed to get directory record: %w", err)
	}
	return &r, nil
}

// UpsertDirectoryRecord inserts the record keyed by its ID. An existing row
// with the same ID only gets its last-login refreshed.
func (s *PostgresStore) UpsertDirectoryRecord(record *models.DirectoryRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("directory record missing ID")
	}
	_, err := s.db.Exec(
		`INSERT INTO directory (id, email, first_name, last_name, phone, country_code, verified_at, last_login)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET last_login = EXCLUDED.last_login`,
		record.ID, record.Email, record.FirstName, record.LastName,
		record.Phone, record.CountryCode, record.VerifiedAt, record.LastLogin)
	if err != nil {
		slog.Error("PostgresStore.UpsertDirectoryRecord failed", "error", err, "id", record.ID)
		return fmt.Errorf("failed to upsert directory record %s: %w", record.ID, err)
	}
	return nil
}

// TouchLastLogin updates only the last-login timestamp of a directory record.
func (s *PostgresStore) TouchLastLogin(id string, at time.Time) error {
	result, err := s.db.Exec(`UPDATE directory SET last_login = $1 WHERE id = $2`, at, id)
	if err != nil {
		slog.Error("PostgresStore.TouchLastLogin failed", "error", err, "id", id)
		return fmt.Errorf("failed to touch last login for %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("directory record %s not found", id)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
