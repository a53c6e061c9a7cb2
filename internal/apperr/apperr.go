// apperr.go -- Error taxonomy shared by every component.
//
// Components classify their own failures with one of the constructors below;
// the HTTP boundary maps Kind -> status code and only ever writes Code to the client.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the taxonomy bucket of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindNotFound
	KindConflict
	KindUpstream
	KindWebhookProcessing
)

// String returns the taxonomy name used in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindWebhookProcessing:
		return "webhook_processing"
	default:
		return "internal"
	}
}

// Status maps a Kind to the HTTP status returned at the API boundary.
// WebhookProcessing never reaches a client; it maps to 500 only for completeness.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Code is safe to show to clients; Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Code
	}
	return e.Kind.String() + ": " + e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a malformed request (400).
func Validation(code string, err error) *Error {
	return &Error{Kind: KindValidation, Code: code, Err: err}
}

// Authentication reports a bad, expired, or unverifiable credential (401).
func Authentication(code string, err error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Err: err}
}

// NotFound reports a missing resource (404).
func NotFound(code string, err error) *Error {
	return &Error{Kind: KindNotFound, Code: code, Err: err}
}

// Conflict reports a duplicate registration (409).
func Conflict(code string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Err: err}
}

// Upstream reports an unavailable identity provider or secret store (503).
func Upstream(code string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Err: err}
}

// WebhookProcessing reports a billing webhook that could not be applied.
// Logged and acknowledged, never surfaced.
func WebhookProcessing(code string, err error) *Error {
	return &Error{Kind: KindWebhookProcessing, Code: code, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, KindInternal if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the public code of the first *Error in err's chain,
// "internal_error" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}
