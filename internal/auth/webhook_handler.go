// webhook_handler.go -- RevenueCat billing webhook.
//
// Every authenticated delivery is acknowledged with 200 {received:true}.
// Events that fail to apply are logged and handed to the retry queue so
// RevenueCat never sees an internal failure.
package auth

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/MGallo-Code/tollgate/internal/entitlement"
)

const maxWebhookBytes = 1 << 20

type webhookAck struct {
	Received bool `json:"received"`
}

// RevenueCatWebhook handles POST /webhooks/revenuecat.
// Returns 401 only when a shared secret is configured and the Authorization
// header does not match; every other outcome is 200.
func (h *AuthHandler) RevenueCatWebhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookAuth != "" {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookAuth)) != 1 {
			logWarn(r, "webhook rejected", "reason", "bad_authorization")
			Unauthorized(w, "unauthorized")
			return
		}
	}

	defer writeJSON(w, http.StatusOK, webhookAck{Received: true})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		logError(r, "webhook body unreadable", "error", err)
		return
	}

	ev, err := entitlement.ParseWebhook(body)
	if err != nil {
		logError(r, "webhook payload rejected", "error", err)
		return
	}

	outcome, err := h.Entitlements.Process(r.Context(), ev)
	if err != nil {
		logError(r, "webhook processing failed", "error", err,
			"event_id", ev.ID, "type", ev.Type, "app_user_id", ev.AppUserID)
		if h.Retry == nil {
			return
		}
		if qerr := h.Retry.Enqueue(r.Context(), ev, err); qerr != nil {
			logError(r, "webhook event lost, retry enqueue failed", "error", qerr, "event_id", ev.ID)
		}
		return
	}

	logInfo(r, "webhook processed", "event_id", ev.ID, "type", ev.Type, "outcome", outcome)
}
