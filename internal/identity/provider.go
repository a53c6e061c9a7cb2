// provider.go -- Identity provider interface and shared types.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MGallo-Code/tollgate/internal/apperr"
)

// ErrInvalidToken is wrapped by every verification failure. Verification never
// falls back to client-supplied claims.
var ErrInvalidToken = errors.New("invalid identity token")

// ErrUnknownProvider is returned by Registry.Verify for an unregistered provider.
var ErrUnknownProvider = errors.New("unknown identity provider")

// Provider names a sign-in method. Stored verbatim in user_identities.provider.
type Provider string

const (
	ProviderApple  Provider = "apple"
	ProviderGoogle Provider = "google"
	ProviderEmail  Provider = "email"
)

// Claims holds the normalized identity claims extracted from a verified token.
// Profile fields are optional; empty string means not provided.
type Claims struct {
	Provider      Provider
	Subject       string // provider-specific stable user ID ("sub")
	Email         string
	EmailVerified bool
	DisplayName   string
	PhotoURL      string
}

// Verifier validates a raw identity token from one provider.
// Implementations fail closed: any error means the token is not trusted.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// Registry dispatches verification by provider name.
type Registry struct {
	verifiers map[Provider]Verifier
}

// NewRegistry returns a Registry over the given verifiers.
func NewRegistry(verifiers map[Provider]Verifier) *Registry {
	return &Registry{verifiers: verifiers}
}

// Verify validates token with the named provider's verifier.
// Every failure is an apperr Authentication error with code "invalid_token".
func (r *Registry) Verify(ctx context.Context, provider Provider, token string) (*Claims, error) {
	v, ok := r.verifiers[provider]
	if !ok {
		return nil, invalidToken(fmt.Errorf("%s: %w", provider, ErrUnknownProvider))
	}
	if token == "" {
		return nil, invalidToken(errors.New("empty token"))
	}
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return nil, invalidToken(err)
	}
	claims.Provider = provider
	return claims, nil
}

// invalidToken classifies a verification failure.
func invalidToken(err error) error {
	return apperr.Authentication("invalid_token", fmt.Errorf("%w: %w", ErrInvalidToken, err))
}

// flexBool decodes a JSON bool that some providers (Apple) send as a string.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return fmt.Errorf("parsing bool %q: %w", t, err)
		}
		*b = flexBool(parsed)
	case nil:
		*b = false
	default:
		return fmt.Errorf("unexpected type %T for bool claim", v)
	}
	return nil
}

// containsAny reports whether any of got appears in want.
func containsAny(want []string, got ...string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}
