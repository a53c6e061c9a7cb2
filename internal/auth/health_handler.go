// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"net/http"
)

// CheckHealth handles GET /health: pings Postgres and Redis, reports each.
// Returns 200 if both are healthy, 503 if either is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus := h.ping(r, "postgres", h.Postgres)
	redisStatus := h.ping(r, "redis", h.Redis)

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}

func (h *AuthHandler) ping(r *http.Request, name string, hc HealthChecker) string {
	if hc == nil {
		return "disabled"
	}
	if err := hc.CheckHealth(r.Context()); err != nil {
		logError(r, name+" health check failed", "error", err)
		return "error"
	}
	return "ok"
}
