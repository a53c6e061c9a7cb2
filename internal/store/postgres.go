// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user/identity queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore is the durable store for users, identities, and entitlements.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// mapErr translates pgx errors into store sentinels.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

const userColumns = "u.id, u.email, u.name, u.photo_url, u.password_hash, u.email_verified_at, u.created_at, u.updated_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PhotoURL, &u.PasswordHash, &u.EmailVerifiedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// GetUserByID returns the user with id, or ErrNotFound.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users u WHERE u.id = $1", id))
}

// GetUserByEmail matches email case-insensitively. Returns ErrNotFound if no user has it.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users u WHERE lower(u.email) = lower($1)", email))
}

// GetUserByIdentity returns the user linked to (provider, subject), or ErrNotFound.
func (s *PostgresStore) GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+` FROM users u
		 JOIN user_identities i ON i.user_id = u.id
		 WHERE i.provider = $1 AND i.provider_subject = $2`,
		provider, subject))
}

// UserExists reports whether a user row with id exists.
func (s *PostgresStore) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking user %s: %w", id, err)
	}
	return exists, nil
}

// CreateUserWithIdentity inserts the user, its first identity link, and its
// default entitlement in one transaction. u.ID must be set by the caller (UUID v7).
// Returns ErrConflict if the email or the (provider, subject) pair is already taken.
func (s *PostgresStore) CreateUserWithIdentity(ctx context.Context, u *User, provider, subject string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning create-user transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO users (id, email, name, photo_url, password_hash, email_verified_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		u.ID, u.Email, u.Name, u.PhotoURL, u.PasswordHash, u.EmailVerifiedAt,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO user_identities (provider, provider_subject, user_id) VALUES ($1, $2, $3)",
		provider, subject, u.ID,
	); err != nil {
		return mapErr(err)
	}

	// Every user starts with {status: none}; version 1 so updates always take the CAS path.
	if _, err := tx.Exec(ctx,
		"INSERT INTO entitlements (user_id, status, plan, version) VALUES ($1, 'none', 'unknown', 1)",
		u.ID,
	); err != nil {
		return mapErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing create-user transaction: %w", err)
	}
	return nil
}

// LinkIdentity attaches (provider, subject) to userID if the pair is not linked yet,
// and returns whichever user owns the pair afterwards. A concurrent link to a
// different user wins silently; callers compare the returned id.
//
// Links are only made on a provider-verified email match, so a successful link
// also marks the user's email verified. If it was not verified before, the
// password hash is cleared in the same transaction: whoever registered the
// address never proved they own it.
func (s *PostgresStore) LinkIdentity(ctx context.Context, userID uuid.UUID, provider, subject string) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning link transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner uuid.UUID
	err = tx.QueryRow(ctx,
		`WITH ins AS (
			INSERT INTO user_identities (provider, provider_subject, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (provider, provider_subject) DO NOTHING
			RETURNING user_id
		)
		SELECT user_id FROM ins
		UNION ALL
		SELECT user_id FROM user_identities WHERE provider = $1 AND provider_subject = $2
		LIMIT 1`,
		provider, subject, userID,
	).Scan(&owner)
	if err != nil {
		return uuid.Nil, fmt.Errorf("linking identity %s: %w", provider, mapErr(err))
	}
	if owner != userID {
		return owner, nil
	}

	// SET expressions read the pre-update row.
	if _, err := tx.Exec(ctx,
		`UPDATE users SET
			password_hash = CASE WHEN email_verified_at IS NULL THEN NULL ELSE password_hash END,
			email_verified_at = COALESCE(email_verified_at, now()),
			updated_at = now()
		 WHERE id = $1 AND email IS NOT NULL`,
		userID,
	); err != nil {
		return uuid.Nil, fmt.Errorf("verifying email on link: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing link transaction: %w", err)
	}
	return owner, nil
}

// ListIdentities returns userID's linked sign-in methods, oldest first.
func (s *PostgresStore) ListIdentities(ctx context.Context, userID uuid.UUID) ([]Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, provider_subject, user_id, created_at
		 FROM user_identities WHERE user_id = $1 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Provider, &id.Subject, &id.UserID, &id.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateProfile applies p to userID and returns the updated row.
// Returns ErrNotFound if the user does not exist.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID uuid.UUID, p ProfileUpdate) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`UPDATE users u SET
			name = COALESCE($2, u.name),
			photo_url = COALESCE($3, u.photo_url),
			updated_at = now()
		 WHERE u.id = $1
		 RETURNING `+userColumns,
		userID, p.Name, p.PhotoURL))
}

// SetEmailIfEmpty fills a missing email (e.g. Apple omits it after the first sign-in,
// Google may be linked before email is known) and marks it verified. Never
// overwrites an existing one.
func (s *PostgresStore) SetEmailIfEmpty(ctx context.Context, userID uuid.UUID, email string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET email = $2, email_verified_at = now(), updated_at = now() WHERE id = $1 AND email IS NULL",
		userID, email)
	return mapErr(err)
}
