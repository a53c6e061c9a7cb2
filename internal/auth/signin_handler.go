// signin_handler.go -- Native Apple and Google sign-in.
//
// The mobile client completes the provider's own sign-in sheet and posts the
// resulting identity token here. Only claims from the verified token decide
// who the caller is; body fields are display hints at most.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/MGallo-Code/tollgate/internal/identity"
	validation "github.com/go-ozzo/ozzo-validation"
	"golang.org/x/oauth2"
)

type appleFullName struct {
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
}

type appleSignInRequest struct {
	IdentityToken     string         `json:"identityToken"`
	AuthorizationCode string         `json:"authorizationCode"`
	User              string         `json:"user"`
	Email             string         `json:"email"`
	FullName          *appleFullName `json:"fullName"`
}

func (req appleSignInRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.IdentityToken, validation.Required, validation.Length(1, 8192)),
		validation.Field(&req.AuthorizationCode, validation.Length(0, 1024)),
		validation.Field(&req.User, validation.Length(0, 256)),
	)
}

type googleUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Photo string `json:"photo"`
}

type googleSignInRequest struct {
	IDToken string     `json:"idToken"`
	User    googleUser `json:"user"`
}

func (req googleSignInRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.IDToken, validation.Required, validation.Length(1, 8192)),
	)
}

// AppleSignIn handles POST /api/auth/apple.
// Returns 200 with a session, 400 for malformed input, 401 for any token that
// fails verification.
func (h *AuthHandler) AppleSignIn(w http.ResponseWriter, r *http.Request) {
	var req appleSignInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.signInFailed(w, r, identity.ProviderApple, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.signInFailed(w, r, identity.ProviderApple, validationError(err))
		return
	}

	claims, err := h.Verifier.Verify(r.Context(), identity.ProviderApple, req.IdentityToken)
	if err != nil {
		h.signInFailed(w, r, identity.ProviderApple, err)
		return
	}
	if req.User != "" && req.User != claims.Subject {
		h.signInFailed(w, r, identity.ProviderApple,
			apperr.Authentication("invalid_token", identity.ErrSubjectMismatch))
		return
	}

	// Redeeming the code proves the token was minted for this app just now,
	// not replayed from elsewhere.
	if h.AppleCode != nil && req.AuthorizationCode != "" {
		if _, err := h.AppleCode.Exchange(r.Context(), req.AuthorizationCode, claims.Subject); err != nil {
			h.signInFailed(w, r, identity.ProviderApple, classifyExchange(err))
			return
		}
	}

	// Apple sends the name only to the client, and only on first authorization.
	if claims.DisplayName == "" && req.FullName != nil {
		claims.DisplayName = strings.TrimSpace(req.FullName.GivenName + " " + req.FullName.FamilyName)
	}

	h.completeSignIn(w, r, claims)
}

// GoogleSignIn handles POST /api/auth/google.
// Returns 200 with a session, 400 for malformed input, 401 for any token that
// fails verification.
func (h *AuthHandler) GoogleSignIn(w http.ResponseWriter, r *http.Request) {
	var req googleSignInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.signInFailed(w, r, identity.ProviderGoogle, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.signInFailed(w, r, identity.ProviderGoogle, validationError(err))
		return
	}

	claims, err := h.Verifier.Verify(r.Context(), identity.ProviderGoogle, req.IDToken)
	if err != nil {
		h.signInFailed(w, r, identity.ProviderGoogle, err)
		return
	}
	if req.User.ID != "" && req.User.ID != claims.Subject {
		h.signInFailed(w, r, identity.ProviderGoogle,
			apperr.Authentication("invalid_token", identity.ErrSubjectMismatch))
		return
	}

	// Profile hints fill in only what the token left out.
	if claims.DisplayName == "" {
		claims.DisplayName = strings.TrimSpace(req.User.Name)
	}
	if claims.PhotoURL == "" && strings.HasPrefix(req.User.Photo, "https://") {
		claims.PhotoURL = req.User.Photo
	}

	h.completeSignIn(w, r, claims)
}

// completeSignIn resolves the verified identity to a user and issues a session.
func (h *AuthHandler) completeSignIn(w http.ResponseWriter, r *http.Request, claims *identity.Claims) {
	user, resolution, err := h.Users.FindOrCreate(r.Context(), claims)
	if err != nil {
		h.signInFailed(w, r, claims.Provider, err)
		return
	}

	sess, err := h.issueSession(user, claims.Provider)
	if err != nil {
		h.signInFailed(w, r, claims.Provider, err)
		return
	}

	h.metrics().RecordSignIn(string(claims.Provider), string(resolution))
	logInfo(r, "user signed in", "user_id", user.ID, "provider", claims.Provider, "resolution", resolution)
	Success(w, http.StatusOK, sess)
}

// signInFailed counts and writes a sign-in failure.
func (h *AuthHandler) signInFailed(w http.ResponseWriter, r *http.Request, provider identity.Provider, err error) {
	outcome := "error"
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		outcome = "rejected"
	case apperr.KindValidation:
		outcome = "invalid"
	}
	h.metrics().RecordSignIn(string(provider), outcome)
	WriteError(w, r, err)
}

// classifyExchange maps a code exchange failure. A refused code or a token for
// someone else is the caller's fault; anything else means Apple is unavailable.
func classifyExchange(err error) error {
	var re *oauth2.RetrieveError
	switch {
	case errors.Is(err, identity.ErrSubjectMismatch), errors.As(err, &re):
		return apperr.Authentication("invalid_token", err)
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	}
	return apperr.Upstream("provider_unavailable", err)
}
