// directory.go -- Resolves verified identities to canonical user records.
//
// FindOrCreate relies on the store's unique constraints rather than locks:
// (provider, subject) and lower(email) are unique, so a racing insert fails
// with store.ErrConflict and the loser simply looks the winner up again.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/MGallo-Code/tollgate/internal/identity"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/gofrs/uuid/v5"
)

// DefaultMaxAttempts bounds lookup/insert rounds in FindOrCreate.
const DefaultMaxAttempts = 4

// ErrUnresolved is returned when FindOrCreate keeps losing races.
var ErrUnresolved = errors.New("identity could not be resolved")

// Store is the persistence the directory needs. Implemented by store.PostgresStore.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByIdentity(ctx context.Context, provider, subject string) (*store.User, error)
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)
	CreateUserWithIdentity(ctx context.Context, u *store.User, provider, subject string) error
	LinkIdentity(ctx context.Context, userID uuid.UUID, provider, subject string) (uuid.UUID, error)
	ListIdentities(ctx context.Context, userID uuid.UUID) ([]store.Identity, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, p store.ProfileUpdate) (*store.User, error)
	SetEmailIfEmpty(ctx context.Context, userID uuid.UUID, email string) error
}

// SessionRevoker ends every session a user holds. Satisfied by session.UserRevoker.
type SessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Resolution reports how FindOrCreate matched an identity.
type Resolution string

const (
	ResolvedExisting Resolution = "existing" // matched by provider link
	ResolvedMerged   Resolution = "merged"   // matched by verified email, link attached
	ResolvedClaimed  Resolution = "claimed"  // matched an unverified email; password and sessions dropped
	ResolvedCreated  Resolution = "created"
)

// Directory owns user records and their provider links.
type Directory struct {
	store       Store
	revoker     SessionRevoker
	maxAttempts int
}

// Option configures a Directory.
type Option func(*Directory)

// WithSessionRevoker ends the sessions of accounts whose unverified email is
// claimed by a verified sign-in. Without one, those sessions run to expiry.
func WithSessionRevoker(r SessionRevoker) Option {
	return func(d *Directory) { d.revoker = r }
}

// New returns a Directory over s.
func New(s Store, opts ...Option) *Directory {
	d := &Directory{store: s, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FindOrCreate returns the user owning c's (provider, subject), merging into an
// existing account by verified email, or creating a user with a default
// entitlement. Never returns a conflict: OAuth sign-ins merge silently.
//
// An account whose email was registered but never verified is claimed rather
// than merged: the link verifies the email, clears the password, and every
// session the account already had is revoked.
func (d *Directory) FindOrCreate(ctx context.Context, c *identity.Claims) (*store.User, Resolution, error) {
	if c == nil || c.Provider == "" || c.Subject == "" {
		return nil, "", apperr.Validation("invalid_identity", errors.New("provider and subject are required"))
	}
	provider := string(c.Provider)
	email := mergeableEmail(c)

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		// 1. Existing link.
		u, err := d.store.GetUserByIdentity(ctx, provider, c.Subject)
		if err == nil {
			return d.refresh(ctx, u, c, email), ResolvedExisting, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", fmt.Errorf("looking up %s identity: %w", provider, err)
		}

		// 2. Same person, different provider.
		if email != "" {
			u, err := d.store.GetUserByEmail(ctx, email)
			switch {
			case err == nil:
				claim := u.EmailVerifiedAt == nil
				if claim {
					if err := d.revokeSessions(ctx, u.ID); err != nil {
						return nil, "", err
					}
				}
				owner, err := d.store.LinkIdentity(ctx, u.ID, provider, c.Subject)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, "", err
				}
				if owner != u.ID {
					// Linked to someone else in the meantime; that link wins.
					continue
				}
				if claim {
					// Catches a password login that slipped in before the link committed.
					if err := d.revokeSessions(ctx, u.ID); err != nil {
						slog.Warn("post-claim session revocation failed", "component", "directory", "user_id", u.ID, "error", err)
					}
					u.PasswordHash = nil
					u.EmailVerifiedAt = ptrTime(time.Now())
					slog.Warn("unverified account claimed by verified email", "component", "directory", "user_id", u.ID, "provider", provider)
					return u, ResolvedClaimed, nil
				}
				slog.Info("identity merged by email", "component", "directory", "user_id", u.ID, "provider", provider)
				return u, ResolvedMerged, nil
			case !errors.Is(err, store.ErrNotFound):
				return nil, "", fmt.Errorf("looking up user by email: %w", err)
			}
		}

		// 3. New user.
		u = &store.User{
			ID:       uuid.Must(uuid.NewV7()),
			Name:     optional(c.DisplayName),
			PhotoURL: optional(c.PhotoURL),
		}
		if email != "" {
			u.Email = &email
			u.EmailVerifiedAt = ptrTime(time.Now())
		}
		err = d.store.CreateUserWithIdentity(ctx, u, provider, c.Subject)
		if err == nil {
			slog.Info("user created", "component", "directory", "user_id", u.ID, "provider", provider)
			return u, ResolvedCreated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, "", fmt.Errorf("creating user: %w", err)
		}
		slog.Debug("create lost a race, retrying lookup", "component", "directory", "provider", provider, "attempt", attempt+1)
	}
	return nil, "", ErrUnresolved
}

// revokeSessions ends userID's sessions. Failure aborts the claim so an
// account never changes hands while old sessions stay live.
func (d *Directory) revokeSessions(ctx context.Context, userID uuid.UUID) error {
	if d.revoker == nil {
		return nil
	}
	if err := d.revoker.RevokeUserSessions(ctx, userID); err != nil {
		return apperr.Upstream("session_store_unavailable", fmt.Errorf("revoking sessions before claim: %w", err))
	}
	return nil
}

// refresh updates display fields that changed at the provider, and fills a
// missing email. Failures are logged; the sign-in still succeeds.
func (d *Directory) refresh(ctx context.Context, u *store.User, c *identity.Claims, email string) *store.User {
	var p store.ProfileUpdate
	if c.DisplayName != "" && (u.Name == nil || *u.Name != c.DisplayName) {
		p.Name = &c.DisplayName
	}
	if c.PhotoURL != "" && (u.PhotoURL == nil || *u.PhotoURL != c.PhotoURL) {
		p.PhotoURL = &c.PhotoURL
	}
	if p.Name != nil || p.PhotoURL != nil {
		updated, err := d.store.UpdateProfile(ctx, u.ID, p)
		if err != nil {
			slog.Warn("profile refresh failed", "component", "directory", "user_id", u.ID, "error", err)
		} else {
			u = updated
		}
	}

	if email != "" && u.Email == nil {
		if err := d.store.SetEmailIfEmpty(ctx, u.ID, email); err != nil {
			slog.Warn("email backfill failed", "component", "directory", "user_id", u.ID, "error", err)
		} else {
			u.Email = &email
		}
	}
	return u
}

// Register creates an email/password account. Unlike OAuth sign-in, an
// existing email is a conflict. The email stays unverified, so a later
// verified sign-in for the same address claims the account.
func (d *Directory) Register(ctx context.Context, email, passwordHash, name string) (*store.User, error) {
	email = NormalizeEmail(email)
	if _, err := d.store.GetUserByEmail(ctx, email); err == nil {
		return nil, apperr.Conflict("email_taken", errors.New("email already registered"))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up user by email: %w", err)
	}

	u := &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        &email,
		Name:         optional(name),
		PasswordHash: &passwordHash,
	}
	err := d.store.CreateUserWithIdentity(ctx, u, string(identity.ProviderEmail), email)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Conflict("email_taken", err)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// FindByEmail returns the user with email, or a NotFound error.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	u, err := d.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user_not_found", err)
	}
	return u, err
}

// Get returns the user with id, or a NotFound error.
func (d *Directory) Get(ctx context.Context, id uuid.UUID) (*store.User, error) {
	u, err := d.store.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user_not_found", err)
	}
	return u, err
}

// UserExists reports whether id names a user. Used by webhook processing,
// which only ever looks users up.
func (d *Directory) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return d.store.UserExists(ctx, id)
}

// Providers lists the sign-in methods linked to id.
func (d *Directory) Providers(ctx context.Context, id uuid.UUID) ([]string, error) {
	ids, err := d.store.ListIdentities(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, i := range ids {
		out = append(out, i.Provider)
	}
	return out, nil
}

// UpdateProfile applies p to id and returns the updated user.
func (d *Directory) UpdateProfile(ctx context.Context, id uuid.UUID, p store.ProfileUpdate) (*store.User, error) {
	u, err := d.store.UpdateProfile(ctx, id, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user_not_found", err)
	}
	return u, err
}

// NormalizeEmail trims and lower-cases an address for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// mergeableEmail returns the email that may be used to merge accounts.
// Unverified addresses are never trusted for a merge, nor stored.
func mergeableEmail(c *identity.Claims) string {
	if !c.EmailVerified {
		return ""
	}
	return NormalizeEmail(c.Email)
}

func ptrTime(t time.Time) *time.Time { return &t }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
