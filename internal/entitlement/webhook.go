// webhook.go -- RevenueCat webhook payload decoding.
package entitlement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
)

// rcEvent is the event object RevenueCat posts. Optional numeric fields are
// pointers so "absent" and "zero" stay distinct.
type rcEvent struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	AppUserID        string `json:"app_user_id"`
	ProductID        string `json:"product_id"`
	NewProductID     string `json:"new_product_id"`
	PeriodType       string `json:"period_type"`
	IsTrialPeriod    *bool  `json:"is_trial_period"`
	PurchasedAtMs    *int64 `json:"purchased_at_ms"`
	ExpirationAtMs   *int64 `json:"expiration_at_ms"`
	CancelledAtMs    *int64 `json:"cancelled_at_ms"`
	EventTimestampMs *int64 `json:"event_timestamp_ms"`
	Environment      string `json:"environment"`
}

// rcEnvelope is the {api_version, event} wrapper of current RevenueCat webhooks.
type rcEnvelope struct {
	APIVersion string   `json:"api_version"`
	Event      *rcEvent `json:"event"`
}

// ParseWebhook decodes a RevenueCat webhook body, either the {api_version, event}
// envelope or a bare event object. Failures are WebhookProcessing errors.
func ParseWebhook(body []byte) (Event, error) {
	var env rcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, malformed(fmt.Errorf("decoding webhook body: %w", err))
	}
	raw := env.Event
	if raw == nil {
		raw = &rcEvent{}
		if err := json.Unmarshal(body, raw); err != nil {
			return Event{}, malformed(fmt.Errorf("decoding flat webhook body: %w", err))
		}
	}

	if raw.Type == "" {
		return Event{}, malformed(errors.New("missing event type"))
	}

	ev := Event{
		ID:           raw.ID,
		Type:         EventType(strings.ToUpper(raw.Type)),
		AppUserID:    raw.AppUserID,
		ProductID:    raw.ProductID,
		NewProductID: raw.NewProductID,
		PurchasedAt:  msTime(raw.PurchasedAtMs),
		ExpirationAt: msTime(raw.ExpirationAtMs),
		CancelledAt:  msTime(raw.CancelledAtMs),
	}
	if raw.IsTrialPeriod != nil {
		ev.IsTrialPeriod = *raw.IsTrialPeriod
	} else {
		ev.IsTrialPeriod = strings.EqualFold(raw.PeriodType, "TRIAL")
	}
	if t := msTime(raw.EventTimestampMs); t != nil {
		ev.OccurredAt = *t
	}

	if ev.Type.Handled() && ev.AppUserID == "" {
		return Event{}, malformed(errors.New("missing app_user_id"))
	}
	if ev.ID == "" {
		ev.ID = deriveEventID(raw)
	}
	return ev, nil
}

// deriveEventID builds a stable id for payloads without event.id, so redeliveries
// of the same flat payload still dedupe.
func deriveEventID(raw *rcEvent) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToUpper(raw.Type),
		raw.AppUserID,
		raw.ProductID,
		msString(raw.PurchasedAtMs),
		msString(raw.ExpirationAtMs),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "derived:" + hex.EncodeToString(h.Sum(nil))[:32]
}

func msTime(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func msString(ms *int64) string {
	if ms == nil {
		return ""
	}
	return strconv.FormatInt(*ms, 10)
}

func malformed(err error) error {
	return apperr.WebhookProcessing("malformed_event", err)
}
