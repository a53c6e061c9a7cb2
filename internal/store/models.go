// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (denylist, health).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a lookup matches no row.
// Callers use errors.Is instead of inspecting pgx.ErrNoRows.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert violates a unique constraint
// (duplicate email, or a provider subject already linked).
var ErrConflict = errors.New("unique constraint violation")

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID           uuid.UUID
	Email        *string
	Name         *string
	PhotoURL     *string
	PasswordHash *string
	// EmailVerifiedAt is nil until a provider has vouched for Email.
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Identity represents a row in user_identities: one linked sign-in method.
type Identity struct {
	Provider  string
	Subject   string
	UserID    uuid.UUID
	CreatedAt time.Time
}

// ProfileUpdate holds the user fields a profile edit may change.
// Nil leaves the column untouched.
type ProfileUpdate struct {
	Name     *string
	PhotoURL *string
}
