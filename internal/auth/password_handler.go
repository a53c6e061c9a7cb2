// password_handler.go -- Email/password registration and login.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/MGallo-Code/tollgate/internal/directory"
	"github.com/MGallo-Code/tollgate/internal/identity"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var errInvalidCredentials = apperr.Authentication("invalid_credentials", errors.New("invalid credentials"))

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (req registerRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required, validation.Length(5, 254), is.Email),
		validation.Field(&req.Password, validation.Required),
		validation.Field(&req.Name, validation.Length(0, 200)),
	)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles POST /api/auth/register.
// Returns 201 with a session, 400 for invalid input, 409 if the email is taken.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}
	req.Email = directory.NormalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, validationError(err))
		return
	}
	if failures := h.Policy.Validate(req.Password); len(failures) > 0 {
		h.signInFailed(w, r, identity.ProviderEmail,
			apperr.Validation("weak_password", errors.New(strings.Join(failures, "; "))))
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}

	user, err := h.Users.Register(r.Context(), req.Email, hash, strings.TrimSpace(req.Name))
	if err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}

	sess, err := h.issueSession(user, identity.ProviderEmail)
	if err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}

	h.metrics().RecordSignIn(string(identity.ProviderEmail), string(directory.ResolvedCreated))
	logInfo(r, "user registered", "user_id", user.ID)
	Success(w, http.StatusCreated, sess)
}

// Login handles POST /api/auth/login.
// Returns 200 with a session, 401 for bad credentials, 500 for server errors.
// Argon2id dummy-hash equalises timing when the account doesn't exist.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}

	// Malformed input gets the same 401 as a wrong password (no enumeration).
	email := directory.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		h.signInFailed(w, r, identity.ProviderEmail, errInvalidCredentials)
		return
	}

	user, err := h.Users.FindByEmail(r.Context(), email)
	if err != nil {
		// Always run the dummy hash so "not found" and "DB down" look like a real attempt.
		_, _ = VerifyPassword(req.Password, dummyPasswordHash())
		if apperr.KindOf(err) == apperr.KindNotFound {
			logInfo(r, "login failed", "reason", "user_not_found")
			h.signInFailed(w, r, identity.ProviderEmail, errInvalidCredentials)
			return
		}
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}

	if user.PasswordHash == nil {
		// Provider-only account.
		_, _ = VerifyPassword(req.Password, dummyPasswordHash())
		logInfo(r, "login failed", "reason", "no_password", "user_id", user.ID)
		h.signInFailed(w, r, identity.ProviderEmail, errInvalidCredentials)
		return
	}

	valid, err := VerifyPassword(req.Password, *user.PasswordHash)
	if err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}
	if !valid {
		logInfo(r, "login failed", "reason", "wrong_password", "user_id", user.ID)
		h.signInFailed(w, r, identity.ProviderEmail, errInvalidCredentials)
		return
	}

	sess, err := h.issueSession(user, identity.ProviderEmail)
	if err != nil {
		h.signInFailed(w, r, identity.ProviderEmail, err)
		return
	}

	h.metrics().RecordSignIn(string(identity.ProviderEmail), string(directory.ResolvedExisting))
	logInfo(r, "user logged in", "user_id", user.ID)
	Success(w, http.StatusOK, sess)
}
