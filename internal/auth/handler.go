// handler.go -- AuthHandler dependencies and the user payload shared by all responses.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/MGallo-Code/tollgate/internal/directory"
	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/MGallo-Code/tollgate/internal/identity"
	"github.com/MGallo-Code/tollgate/internal/session"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/gofrs/uuid/v5"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 << 10

// IdentityVerifier checks third-party identity tokens.
// Satisfied by *identity.Registry.
type IdentityVerifier interface {
	Verify(ctx context.Context, provider identity.Provider, token string) (*identity.Claims, error)
}

// CodeExchanger redeems an Apple authorization code for a verified id_token.
// Satisfied by *identity.AppleCodeExchanger.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, expectSubject string) (*identity.Claims, error)
}

// Directory resolves and edits user records.
// Satisfied by *directory.Directory.
type Directory interface {
	FindOrCreate(ctx context.Context, c *identity.Claims) (*store.User, directory.Resolution, error)
	Register(ctx context.Context, email, passwordHash, name string) (*store.User, error)
	FindByEmail(ctx context.Context, email string) (*store.User, error)
	Get(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, p store.ProfileUpdate) (*store.User, error)
}

// Entitlements applies billing events and answers entitlement checks.
// Satisfied by *entitlement.Service.
type Entitlements interface {
	Process(ctx context.Context, ev entitlement.Event) (entitlement.Outcome, error)
	IsEntitled(ctx context.Context, userID uuid.UUID) (bool, *entitlement.Entitlement, error)
}

// RetryQueue defers billing events that failed to apply.
// Satisfied by *entitlement.RetryQueue.
type RetryQueue interface {
	Enqueue(ctx context.Context, ev entitlement.Event, cause error) error
}

// HealthChecker pings one backing service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Recorder receives auth metrics. Satisfied by *metrics.Collector.
type Recorder interface {
	RecordSignIn(provider, outcome string)
	RecordTokenRejection(reason string)
	RecordRateLimited(route string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignIn(string, string) {}
func (nopRecorder) RecordTokenRejection(string) {}
func (nopRecorder) RecordRateLimited(string) {}

// AuthHandler holds dependencies for all /api/auth/*, /api/subscription/* and
// /webhooks/* handlers and middleware.
type AuthHandler struct {
	Verifier     IdentityVerifier
	AppleCode    CodeExchanger // nil disables authorization code exchange
	Users        Directory
	Sessions     *session.Issuer
	Denylist     session.Denylist
	Entitlements Entitlements
	Retry        RetryQueue // nil: failed webhook events are only logged

	// Policy applies to passwords chosen at registration.
	Policy PasswordPolicy

	// WebhookAuth is the expected Authorization header on billing webhooks.
	// Empty disables the check.
	WebhookAuth string

	Metrics Recorder

	Postgres HealthChecker
	Redis    HealthChecker
}

func (h *AuthHandler) metrics() Recorder {
	if h.Metrics == nil {
		return nopRecorder{}
	}
	return h.Metrics
}

// userPayload is the public view of a user.
type userPayload struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	PhotoURL     string `json:"photoUrl,omitempty"`
	AuthProvider string `json:"authProvider,omitempty"`
}

func newUserPayload(u *store.User, provider identity.Provider) userPayload {
	p := userPayload{ID: u.ID.String(), AuthProvider: string(provider)}
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.PhotoURL != nil {
		p.PhotoURL = *u.PhotoURL
	}
	return p
}

// sessionPayload is the data of every successful sign-in.
type sessionPayload struct {
	Token            string      `json:"token"`
	ExpiresAt        time.Time   `json:"expiresAt"`
	RefreshToken     string      `json:"refreshToken"`
	RefreshExpiresAt time.Time   `json:"refreshExpiresAt"`
	User             userPayload `json:"user"`
}

// issueSession signs an access/refresh pair for u.
func (h *AuthHandler) issueSession(u *store.User, provider identity.Provider) (*sessionPayload, error) {
	var email string
	if u.Email != nil {
		email = *u.Email
	}
	access, err := h.Sessions.Issue(u.ID, email)
	if err != nil {
		return nil, err
	}
	refresh, err := h.Sessions.IssueRefresh(u.ID, email)
	if err != nil {
		return nil, err
	}
	return &sessionPayload{
		Token:            access.Value,
		ExpiresAt:        access.Claims.ExpiresAt,
		RefreshToken:     refresh.Value,
		RefreshExpiresAt: refresh.Claims.ExpiresAt,
		User:             newUserPayload(u, provider),
	}, nil
}

// decodeJSON reads a size-capped JSON body into dst.
// Returns a Validation error for any malformed or oversized body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("empty_body", err)
		}
		return apperr.Validation("invalid_json", err)
	}
	return nil
}
