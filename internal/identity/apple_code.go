// apple_code.go -- Sign in with Apple authorization code exchange.
//
// Apple's token endpoint authenticates the app with a short-lived ES256 JWT
// ("client secret") signed by the team's private key.
package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AppleTokenURL is Apple's OAuth2 token endpoint.
const AppleTokenURL = "https://appleid.apple.com/auth/token"

// ErrSubjectMismatch is returned when the exchanged id_token belongs to a different user
// than the identity token the client posted.
var ErrSubjectMismatch = errors.New("apple: exchanged token subject mismatch")

// AppleCodeConfig holds the team credentials used to mint client secrets.
type AppleCodeConfig struct {
	ClientID   string // bundle id or Services ID the code was issued to
	TeamID     string
	KeyID      string
	PrivateKey []byte // PEM-encoded PKCS#8 EC key (.p8 file contents)
	TokenURL   string // defaults to AppleTokenURL
	Timeout    time.Duration
	Now        func() time.Time
}

// AppleCodeExchanger redeems authorization codes and verifies the returned id_token.
type AppleCodeExchanger struct {
	clientID string
	teamID   string
	keyID    string
	key      *ecdsa.PrivateKey
	tokenURL string
	timeout  time.Duration
	now      func() time.Time
	verifier Verifier
}

// NewAppleCodeExchanger parses the team key. verifier checks the id_token
// returned by Apple (normally the same *AppleVerifier used for sign-in).
func NewAppleCodeExchanger(cfg AppleCodeConfig, verifier Verifier) (*AppleCodeExchanger, error) {
	if cfg.ClientID == "" || cfg.TeamID == "" || cfg.KeyID == "" {
		return nil, errors.New("apple code exchange: client id, team id and key id are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("apple code exchange: parsing private key: %w", err)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = AppleTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AppleCodeExchanger{
		clientID: cfg.ClientID,
		teamID:   cfg.TeamID,
		keyID:    cfg.KeyID,
		key:      key,
		tokenURL: cfg.TokenURL,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		verifier: verifier,
	}, nil
}

// ClientSecret mints the ES256 client secret JWT Apple expects, valid for 5 minutes.
func (e *AppleCodeExchanger) ClientSecret() (string, error) {
	now := e.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    e.teamID,
		Subject:   e.clientID,
		Audience:  jwt.ClaimStrings{AppleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	tok.Header["kid"] = e.keyID
	s, err := tok.SignedString(e.key)
	if err != nil {
		return "", fmt.Errorf("signing apple client secret: %w", err)
	}
	return s, nil
}

// Exchange redeems code and returns the verified claims of the id_token Apple issues for it.
// If expectSubject is non-empty the exchanged token must belong to that subject.
func (e *AppleCodeExchanger) Exchange(ctx context.Context, code, expectSubject string) (*Claims, error) {
	secret, err := e.ClientSecret()
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:     e.clientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  e.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: e.timeout})

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging apple authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("no id_token in apple token response")
	}

	claims, err := e.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying exchanged id token: %w", err)
	}
	if expectSubject != "" && claims.Subject != expectSubject {
		return nil, ErrSubjectMismatch
	}
	return claims, nil
}
