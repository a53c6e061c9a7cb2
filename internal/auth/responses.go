// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Error bodies only ever carry a fixed
// public code; internal error text goes to the log, never to the client.
package auth

import (
	"encoding/json"
	"net/http"

	"github.com/MGallo-Code/tollgate/internal/apperr"
)

// envelope is the {success, data | error} shape of every /api response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Success writes {success:true, data}.
func Success(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// Fail writes {success:false, error:code}.
func Fail(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, envelope{Error: code})
}

// WriteError maps a component error to its status and public code.
// Unclassified errors become a generic 500 and are logged with full detail.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInternal, apperr.KindWebhookProcessing:
		InternalServerError(w, r, err)
		return
	case apperr.KindUpstream:
		logError(r, "upstream unavailable", "error", err)
	default:
		logInfo(r, "request rejected", "kind", kind.String(), "code", apperr.CodeOf(err), "error", err)
	}
	Fail(w, kind.Status(), apperr.CodeOf(err))
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	Fail(w, http.StatusInternalServerError, "internal_error")
}

// BadRequest returns a 400 JSON response with the given code.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, code string) {
	Fail(w, http.StatusBadRequest, code)
}

// Unauthorized returns a 401 JSON response with a generic code.
// Keep it generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, code string) {
	Fail(w, http.StatusUnauthorized, code)
}

// Forbidden returns a 403 JSON response.
func Forbidden(w http.ResponseWriter, code string) {
	Fail(w, http.StatusForbidden, code)
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	Fail(w, http.StatusTooManyRequests, "rate_limited")
}

// validationError wraps an ozzo-validation result so WriteError returns 400
// with a stable code; field details are logged only.
func validationError(err error) error {
	return apperr.Validation("invalid_request", err)
}
