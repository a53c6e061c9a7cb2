// logging.go -- Request-scoped logging helpers.
//
// Every entry carries the chi request id, client address and route, plus the
// user id once RequireAuth has put one on the context.
package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"request_id", middleware.GetReqID(r.Context()),
		"ip", clientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, "user_agent", ua)
	}
	if id, ok := UserIDFromContext(r.Context()); ok {
		attrs = append(attrs, "user_id", id.String())
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	ctx := r.Context()
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	// Log with a detached context so a cancelled request still records its failure.
	slog.Default().Log(context.WithoutCancel(ctx), level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args) }
func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }
