// issuer.go -- Stateless session tokens (HS256 JWT).
//
// Verify is pure over (token, secret, clock). Revocation lives outside the
// token: callers consult a Denylist keyed by the token id, plus a per-user
// cutoff before which every token is void.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest signing secret NewIssuer accepts (256 bits).
const MinSecretLen = 32

const (
	DefaultAccessTTL  = 30 * 24 * time.Hour
	DefaultRefreshTTL = 90 * 24 * time.Hour
)

var (
	ErrExpired          = errors.New("session token expired")
	ErrMalformed        = errors.New("session token malformed")
	ErrInvalidSignature = errors.New("session token signature invalid")
	ErrRevoked          = errors.New("session token revoked")
)

// TokenType separates access tokens from refresh tokens.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Claims is the verified content of a session token.
type Claims struct {
	UserID    uuid.UUID
	Email     string
	Type      TokenType
	ID        string // jti, the revocation key
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token is a signed token plus the claims it carries.
type Token struct {
	Value  string
	Claims Claims
}

// tokenClaims is the wire form. iat_ms carries the issue time at the
// millisecond precision user-wide revocation compares against.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID     string    `json:"userId"`
	Email      string    `json:"email,omitempty"`
	Type       TokenType `json:"typ"`
	IssuedAtMs int64     `json:"iat_ms,omitempty"`
}

// Options tunes an Issuer. Zero values take the defaults.
type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// Issuer signs and verifies session tokens with one shared secret.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer returns an Issuer. secret must be at least MinSecretLen bytes.
func NewIssuer(secret []byte, opts Options) (*Issuer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// Copy so later mutation of the caller's slice can't change the key.
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Issuer{secret: key, accessTTL: opts.AccessTTL, refreshTTL: opts.RefreshTTL, now: opts.Now}, nil
}

// AccessTTL reports the access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// Issue signs an access token for userID.
func (i *Issuer) Issue(userID uuid.UUID, email string) (*Token, error) {
	return i.sign(userID, email, TypeAccess, i.accessTTL)
}

// IssueRefresh signs a refresh token for userID.
func (i *Issuer) IssueRefresh(userID uuid.UUID, email string) (*Token, error) {
	return i.sign(userID, email, TypeRefresh, i.refreshTTL)
}

func (i *Issuer) sign(userID uuid.UUID, email string, typ TokenType, ttl time.Duration) (*Token, error) {
	if userID == uuid.Nil {
		return nil, errors.New("issuing session token: nil user id")
	}
	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}

	// JWT timestamps are whole seconds; truncate so Claims match what Verify returns.
	issued := i.now().Truncate(time.Millisecond)
	now := issued.Truncate(time.Second)
	exp := now.Add(ttl)
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:     userID.String(),
		Email:      email,
		Type:       typ,
		IssuedAtMs: issued.UnixMilli(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}
	return &Token{
		Value: signed,
		Claims: Claims{
			UserID:    userID,
			Email:     email,
			Type:      typ,
			ID:        jti.String(),
			IssuedAt:  issued,
			ExpiresAt: exp,
		},
	}, nil
}

// Verify checks an access token. Failures are apperr Authentication errors
// wrapping ErrExpired, ErrMalformed, or ErrInvalidSignature.
func (i *Issuer) Verify(token string) (*Claims, error) {
	return i.verify(token, TypeAccess)
}

// VerifyRefresh checks a refresh token. An access token is rejected as malformed.
func (i *Issuer) VerifyRefresh(token string) (*Claims, error) {
	return i.verify(token, TypeRefresh)
}

func (i *Issuer) verify(token string, want TokenType) (*Claims, error) {
	if token == "" {
		return nil, classify(ErrMalformed)
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, classify(ErrExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, classify(fmt.Errorf("%w: %w", ErrInvalidSignature, err))
		default:
			return nil, classify(fmt.Errorf("%w: %w", ErrMalformed, err))
		}
	}

	if tc.Type != want {
		return nil, classify(fmt.Errorf("%w: token type %q, want %q", ErrMalformed, tc.Type, want))
	}
	userID, err := uuid.FromString(tc.UserID)
	if err != nil || userID == uuid.Nil {
		return nil, classify(fmt.Errorf("%w: bad userId", ErrMalformed))
	}
	if tc.ID == "" {
		return nil, classify(fmt.Errorf("%w: missing jti", ErrMalformed))
	}

	c := &Claims{
		UserID: userID,
		Email:  tc.Email,
		Type:   tc.Type,
		ID:     tc.ID,
	}
	switch {
	case tc.IssuedAtMs > 0:
		c.IssuedAt = time.UnixMilli(tc.IssuedAtMs)
	case tc.IssuedAt != nil:
		c.IssuedAt = tc.IssuedAt.Time
	}
	c.ExpiresAt = tc.ExpiresAt.Time
	return c, nil
}

// Reason returns a metrics label for a Verify failure.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	default:
		return "other"
	}
}

func classify(err error) error {
	if errors.Is(err, ErrExpired) {
		return apperr.Authentication("token_expired", err)
	}
	return apperr.Authentication("invalid_token", err)
}

// Denylist records revoked token ids until they would have expired anyway,
// and per-user cutoffs that void every older token.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	// RevokeOnce revokes tokenID and reports whether this call was the one
	// that did it. Exactly one of any set of concurrent callers wins.
	RevokeOnce(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// RevokeUser voids userID's tokens issued before cutoff. A cutoff never
	// moves backwards.
	RevokeUser(ctx context.Context, userID uuid.UUID, cutoff time.Time, ttl time.Duration) error
	// UserCutoff returns userID's cutoff, or the zero time if there is none.
	UserCutoff(ctx context.Context, userID uuid.UUID) (time.Time, error)
}

// Revoke adds c to dl for the rest of its lifetime. Already-expired tokens are a no-op.
func (i *Issuer) Revoke(ctx context.Context, dl Denylist, c *Claims) error {
	ttl := c.ExpiresAt.Sub(i.now())
	if ttl <= 0 {
		return nil
	}
	if err := dl.Revoke(ctx, c.ID, ttl); err != nil {
		return fmt.Errorf("revoking token %s: %w", c.ID, err)
	}
	return nil
}

// Redeem revokes c, failing with an Authentication error wrapping ErrRevoked
// if c was already revoked. Other errors come from dl.
func (i *Issuer) Redeem(ctx context.Context, dl Denylist, c *Claims) error {
	ttl := c.ExpiresAt.Sub(i.now())
	if ttl <= 0 {
		return classify(ErrExpired)
	}
	won, err := dl.RevokeOnce(ctx, c.ID, ttl)
	if err != nil {
		return fmt.Errorf("redeeming token %s: %w", c.ID, err)
	}
	if !won {
		return classify(ErrRevoked)
	}
	return nil
}

// Revoked reports whether c is on dl, either by id or by its user's cutoff.
// Cutoffs have millisecond precision: a token issued in the cutoff's own
// millisecond survives it.
func (i *Issuer) Revoked(ctx context.Context, dl Denylist, c *Claims) (bool, error) {
	revoked, err := dl.IsRevoked(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("checking token %s: %w", c.ID, err)
	}
	if revoked {
		return true, nil
	}
	cutoff, err := dl.UserCutoff(ctx, c.UserID)
	if err != nil {
		return false, fmt.Errorf("checking user cutoff: %w", err)
	}
	return !cutoff.IsZero() && c.IssuedAt.Before(cutoff), nil
}

// RevokeUser voids every token issued to userID before the current millisecond.
func (i *Issuer) RevokeUser(ctx context.Context, dl Denylist, userID uuid.UUID) error {
	cutoff := i.now().Truncate(time.Millisecond)
	// Past the longest lifetime every older token has expired on its own.
	ttl := max(i.accessTTL, i.refreshTTL)
	if err := dl.RevokeUser(ctx, userID, cutoff, ttl); err != nil {
		return fmt.Errorf("revoking sessions for %s: %w", userID, err)
	}
	return nil
}

// UserRevoker ends every session a user holds. Satisfies directory.SessionRevoker.
type UserRevoker struct {
	Issuer   *Issuer
	Denylist Denylist
}

func (u UserRevoker) RevokeUserSessions(ctx context.Context, userID uuid.UUID) error {
	return u.Issuer.RevokeUser(ctx, u.Denylist, userID)
}
