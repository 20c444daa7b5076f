// Package store provides storage backends for onboarding state and the user
// directory.
//
// Three backends implement the same interface: in-memory (tests and dev),
// SQLite, and PostgreSQL. Saving user state is a compare-and-swap on the
// record version so that racing writers cannot clobber each other.
package store

import (
	"strings"
	"time"

	"github.com/mlground/onboard/internal/models"
)

// Store is the persistence boundary for the onboarding service.
type Store interface {
	// GetUserState returns the state for a user, or nil if none exists.
	GetUserState(userID string) (*models.UserState, error)

	// SaveUserState persists the state if the stored version still equals
	// expectedVersion. expectedVersion 0 means "create"; the save fails if a
	// record already exists. On success the state's Version is advanced to
	// expectedVersion+1 and true is returned. A false return with nil error
	// means the version check lost; the caller should re-read and retry.
	SaveUserState(state *models.UserState, expectedVersion int64) (bool, error)

	// GetDirectoryRecord looks up a verified user by email and last name, both
	// case-insensitive, or nil if none exists. Directory identity is the pair;
	// several users may share an email address.
	GetDirectoryRecord(email, lastName string) (*models.DirectoryRecord, error)

	// UpsertDirectoryRecord inserts the record, keyed by its ID.
	UpsertDirectoryRecord(record *models.DirectoryRecord) error

	// TouchLastLogin updates only the last-login timestamp of a directory
	// record. Identity fields are immutable after verification.
	TouchLastLogin(id string, at time.Time) error

	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string.
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN sets the DSN for a SQLite store (a file path).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the DSN for a Postgres store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSN type constants returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// DetectDSNType determines the backend a DSN addresses. Postgres DSNs use the
// postgres:// URI scheme or key=value form; everything else is treated as a
// SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}
