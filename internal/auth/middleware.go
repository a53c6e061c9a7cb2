// middleware.go -- Bearer token authentication and entitlement gating.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/MGallo-Code/tollgate/internal/session"
	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const claimsKey contextKey = "session_claims"
const entitlementKey contextKey = "entitlement"

// ClaimsFromContext retrieves the verified session claims.
// Returns nil and false if RequireAuth hasn't run.
func ClaimsFromContext(ctx context.Context) (*session.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*session.Claims)
	return c, ok
}

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return c.UserID, true
}

// EntitlementFromContext retrieves the entitlement loaded by RequireEntitlement.
func EntitlementFromContext(ctx context.Context) (*entitlement.Entitlement, bool) {
	e, ok := ctx.Value(entitlementKey).(*entitlement.Entitlement)
	return e, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authenticate verifies an access token and checks the denylist, by token id
// and by the user's revocation cutoff. Denylist failures reject the token: a
// revoked session must never pass because Redis is down.
func (h *AuthHandler) authenticate(r *http.Request) (*session.Claims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		logWarn(r, "require auth failed", "reason", "missing_bearer_token")
		h.metrics().RecordTokenRejection("missing")
		return nil, false
	}

	claims, err := h.Sessions.Verify(token)
	if err != nil {
		reason := session.Reason(err)
		logWarn(r, "require auth failed", "reason", reason)
		h.metrics().RecordTokenRejection(reason)
		return nil, false
	}

	if h.Denylist != nil {
		revoked, err := h.Sessions.Revoked(r.Context(), h.Denylist, claims)
		if err != nil {
			logError(r, "denylist lookup failed, rejecting token", "error", err, "user_id", claims.UserID)
			h.metrics().RecordTokenRejection("denylist_unavailable")
			return nil, false
		}
		if revoked {
			logWarn(r, "require auth failed", "reason", "revoked", "user_id", claims.UserID)
			h.metrics().RecordTokenRejection("revoked")
			return nil, false
		}
	}
	return claims, true
}

// RequireAuth validates the bearer access token.
// Injects the session claims into context on success; returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := h.authenticate(r)
		if !ok {
			Unauthorized(w, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireEntitlement lets the request through only while the authenticated
// user is entitled. Must run after RequireAuth. Returns 403 otherwise.
func (h *AuthHandler) RequireEntitlement(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			logError(r, "require entitlement called without session context")
			Unauthorized(w, "unauthorized")
			return
		}

		entitled, ent, err := h.Entitlements.IsEntitled(r.Context(), userID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if !entitled {
			logInfo(r, "entitlement required", "user_id", userID, "status", ent.Status)
			Forbidden(w, "not_entitled")
			return
		}

		ctx := context.WithValue(r.Context(), entitlementKey, ent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
