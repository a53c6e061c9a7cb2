// session_handler.go -- Handlers for an established session: validate, refresh,
// logout, profile edits and subscription status.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/MGallo-Code/tollgate/internal/session"
	"github.com/MGallo-Code/tollgate/internal/store"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var errMissingSession = errors.New("missing session context")

// Validate handles GET /api/auth/validate (behind RequireAuth).
// Returns {valid:true, user}, or 401 if the user no longer exists.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	user, err := h.Users.Get(r.Context(), claims.UserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			logWarn(r, "valid token for missing user", "user_id", claims.UserID)
			Unauthorized(w, "unauthorized")
			return
		}
		WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Valid bool        `json:"valid"`
		User  userPayload `json:"user"`
	}{true, newUserPayload(user, "")})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh handles POST /api/auth/refresh.
// Rotates the pair: the presented refresh token is redeemed and a new access
// and refresh token are returned. 401 for any unusable refresh token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		BadRequest(w, "invalid_request")
		return
	}

	claims, err := h.Sessions.VerifyRefresh(req.RefreshToken)
	if err != nil {
		h.metrics().RecordTokenRejection(session.Reason(err))
		WriteError(w, r, err)
		return
	}

	if h.Denylist != nil {
		revoked, err := h.Sessions.Revoked(r.Context(), h.Denylist, claims)
		if err != nil {
			logError(r, "denylist lookup failed, rejecting refresh", "error", err, "user_id", claims.UserID)
			h.metrics().RecordTokenRejection("denylist_unavailable")
			Unauthorized(w, "unauthorized")
			return
		}
		if revoked {
			logWarn(r, "revoked refresh token presented", "user_id", claims.UserID)
			h.metrics().RecordTokenRejection("revoked")
			Unauthorized(w, "unauthorized")
			return
		}
	}

	user, err := h.Users.Get(r.Context(), claims.UserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			Unauthorized(w, "unauthorized")
			return
		}
		WriteError(w, r, err)
		return
	}

	// Redeem before issuing: of any concurrent refreshes with this token,
	// only the one that sets the denylist entry gets a new pair.
	if h.Denylist != nil {
		if err := h.Sessions.Redeem(r.Context(), h.Denylist, claims); err != nil {
			if apperr.KindOf(err) == apperr.KindAuthentication {
				logWarn(r, "refresh token redeemed concurrently", "user_id", claims.UserID)
				h.metrics().RecordTokenRejection(session.Reason(err))
				Unauthorized(w, "unauthorized")
				return
			}
			WriteError(w, r, apperr.Upstream("session_store_unavailable", err))
			return
		}
	}

	sess, err := h.issueSession(user, "")
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "session refreshed", "user_id", user.ID)
	Success(w, http.StatusOK, sess)
}

// Logout handles POST /api/auth/logout (behind RequireAuth).
// Denylists the presented access token, and the refresh token if one is posted.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	// Body is optional.
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && apperr.CodeOf(err) != "empty_body" {
			WriteError(w, r, err)
			return
		}
	}

	if h.Denylist == nil {
		logWarn(r, "logout without denylist, token stays valid until expiry", "user_id", claims.UserID)
		Success(w, http.StatusOK, nil)
		return
	}

	if err := h.Sessions.Revoke(r.Context(), h.Denylist, claims); err != nil {
		WriteError(w, r, apperr.Upstream("session_store_unavailable", err))
		return
	}

	if req.RefreshToken != "" {
		refresh, err := h.Sessions.VerifyRefresh(req.RefreshToken)
		switch {
		case err != nil:
			logInfo(r, "logout ignored unusable refresh token", "reason", session.Reason(err))
		case refresh.UserID != claims.UserID:
			logWarn(r, "logout refresh token belongs to another user", "user_id", claims.UserID)
		default:
			if err := h.Sessions.Revoke(r.Context(), h.Denylist, refresh); err != nil {
				WriteError(w, r, apperr.Upstream("session_store_unavailable", err))
				return
			}
		}
	}

	logInfo(r, "user logged out", "user_id", claims.UserID)
	Success(w, http.StatusOK, nil)
}

type profileFields struct {
	Name     *string `json:"name"`
	PhotoURL *string `json:"photoUrl"`
}

type profileRequest struct {
	Profile *profileFields `json:"profile"`
}

func (req profileRequest) Validate() error {
	if req.Profile == nil {
		return errors.New("profile: cannot be blank")
	}
	p := req.Profile
	if p.Name == nil && p.PhotoURL == nil {
		return errors.New("profile: at least one field is required")
	}
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&p.PhotoURL, validation.Length(0, 2048), is.URL),
	)
}

// UpdateProfile handles PUT /api/auth/profile (behind RequireAuth).
// Returns 200 with the updated user, 400 for invalid input, 404 if the user is gone.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Profile != nil && req.Profile.Name != nil {
		trimmed := strings.TrimSpace(*req.Profile.Name)
		req.Profile.Name = &trimmed
	}
	if err := req.Validate(); err != nil {
		WriteError(w, r, validationError(err))
		return
	}

	user, err := h.Users.UpdateProfile(r.Context(), userID, store.ProfileUpdate{
		Name:     req.Profile.Name,
		PhotoURL: req.Profile.PhotoURL,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logInfo(r, "profile updated", "user_id", userID)
	Success(w, http.StatusOK, struct {
		User userPayload `json:"user"`
	}{newUserPayload(user, "")})
}

// SubscriptionStatus handles GET /api/subscription/status (behind RequireAuth).
func (h *AuthHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	entitled, ent, err := h.Entitlements.IsEntitled(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	Success(w, http.StatusOK, struct {
		Entitled    bool                     `json:"entitled"`
		Entitlement *entitlement.Entitlement `json:"entitlement"`
	}{entitled, ent})
}

// PremiumEntitlement handles GET /api/premium/entitlement (behind RequireAuth and
// RequireEntitlement). Returns the active entitlement the gate loaded.
func (h *AuthHandler) PremiumEntitlement(w http.ResponseWriter, r *http.Request) {
	ent, ok := EntitlementFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}
	Success(w, http.StatusOK, struct {
		Entitlement *entitlement.Entitlement `json:"entitlement"`
	}{ent})
}
