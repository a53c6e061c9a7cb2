// apple.go -- Sign in with Apple identity token verification.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// AppleIssuer is the only accepted "iss" for Apple identity tokens.
	AppleIssuer = "https://appleid.apple.com"
	// AppleJWKSURL publishes Apple's current signing keys.
	AppleJWKSURL = "https://appleid.apple.com/auth/keys"
)

// AppleConfig configures AppleVerifier. ClientIDs lists accepted audiences
// (the iOS bundle id, plus a Services ID if web sign-in is enabled).
type AppleConfig struct {
	ClientIDs []string
	JWKSURL   string        // defaults to AppleJWKSURL
	KeysTTL   time.Duration // JWKS refresh interval, default 15m
	Timeout   time.Duration // per key fetch, default 5s
	Now       func() time.Time
}

// AppleVerifier verifies RS256 identity tokens against Apple's JWKS.
// The key set is shared process-wide and refreshed in the background; an
// unknown kid triggers one rate-limited refresh, coalesced across callers.
type AppleVerifier struct {
	jwks      *keyfunc.JWKS
	clientIDs []string
	now       func() time.Time
}

type appleClaims struct {
	jwt.RegisteredClaims
	Email          string   `json:"email"`
	EmailVerified  flexBool `json:"email_verified"`
	IsPrivateEmail flexBool `json:"is_private_email"`
}

// NewAppleVerifier fetches Apple's JWKS and returns a ready verifier.
// Makes an outbound HTTP request at startup; returns an error if unreachable.
func NewAppleVerifier(ctx context.Context, cfg AppleConfig) (*AppleVerifier, error) {
	if len(cfg.ClientIDs) == 0 {
		return nil, errors.New("apple: at least one client id is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = AppleJWKSURL
	}
	if cfg.KeysTTL <= 0 {
		cfg.KeysTTL = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
		Ctx:    ctx,
		Client: &http.Client{Timeout: cfg.Timeout},
		RefreshErrorHandler: func(err error) {
			slog.Warn("apple jwks refresh failed", "component", "identity", "error", err)
		},
		RefreshInterval:   cfg.KeysTTL,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    cfg.Timeout,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("apple jwks fetch: %w", err)
	}

	return &AppleVerifier{jwks: jwks, clientIDs: cfg.ClientIDs, now: cfg.Now}, nil
}

// Close stops the background JWKS refresh.
func (v *AppleVerifier) Close() {
	v.jwks.EndBackground()
}

// Verify checks signature, issuer, audience, and expiry, then extracts claims.
func (v *AppleVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var c appleClaims
	_, err := jwt.ParseWithClaims(rawToken, &c, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(AppleIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("apple: parsing identity token: %w", err)
	}

	if !containsAny(v.clientIDs, c.Audience...) {
		return nil, fmt.Errorf("apple: audience %v not accepted", c.Audience)
	}
	if c.Subject == "" {
		return nil, errors.New("apple: missing sub")
	}

	return &Claims{
		Provider:      ProviderApple,
		Subject:       c.Subject,
		Email:         c.Email,
		EmailVerified: bool(c.EmailVerified),
	}, nil
}
