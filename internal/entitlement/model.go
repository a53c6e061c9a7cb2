// model.go -- Subscription entitlement types.
package entitlement

import (
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

var (
	// ErrNotFound is returned by a Store when a user has no entitlement row.
	ErrNotFound = errors.New("entitlement not found")
	// ErrVersionConflict is returned by a Store when the row changed since it was read.
	ErrVersionConflict = errors.New("entitlement version conflict")
	// ErrDuplicateEvent is returned by a Store when the event id is already in the ledger.
	ErrDuplicateEvent = errors.New("webhook event already processed")
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusNone         Status = "none"
	StatusActive       Status = "active"
	StatusTrialing     Status = "trialing"
	StatusCancelled    Status = "cancelled"
	StatusBillingIssue Status = "billing_issue"
	StatusExpired      Status = "expired"
)

// Plan is the product tier a subscription grants.
type Plan string

const (
	PlanEssential Plan = "essential"
	PlanPower     Plan = "power"
	PlanUnknown   Plan = "unknown"
)

var productPlans = map[string]Plan{
	"essential_monthly": PlanEssential,
	"essential_annual":  PlanEssential,
	"power_monthly":     PlanPower,
	"power_annual":      PlanPower,
}

// MapProductIDToPlan maps a store product id to a Plan. Google Play ids of
// the form "sku:base-plan" are matched on the sku.
func MapProductIDToPlan(productID string) Plan {
	sku, _, _ := strings.Cut(productID, ":")
	if p, ok := productPlans[sku]; ok {
		return p
	}
	return PlanUnknown
}

// Entitlement is the per-user subscription record.
type Entitlement struct {
	UserID                 uuid.UUID  `json:"-"`
	Status                 Status     `json:"status"`
	Plan                   Plan       `json:"plan"`
	ProductID              string     `json:"productId,omitempty"`
	IsTrialPeriod          bool       `json:"isTrialPeriod"`
	ExpiresDate            *time.Time `json:"expiresDate,omitempty"`
	TrialEndsAt            *time.Time `json:"trialEndsAt,omitempty"`
	CancelledAt            *time.Time `json:"cancelledAt,omitempty"`
	BillingIssueDetectedAt *time.Time `json:"billingIssueDetectedAt,omitempty"`
	LastProcessedEventID   string     `json:"-"`
	Version                int64      `json:"-"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// New returns the default record every user starts with.
func New(userID uuid.UUID) Entitlement {
	return Entitlement{UserID: userID, Status: StatusNone, Plan: PlanUnknown}
}

// IsEntitled reports whether e grants access at now. A cancelled subscription
// keeps access until its expiry date.
func IsEntitled(e Entitlement, now time.Time) bool {
	switch e.Status {
	case StatusActive, StatusTrialing, StatusBillingIssue:
		return true
	case StatusCancelled:
		return e.ExpiresDate != nil && now.Before(*e.ExpiresDate)
	default:
		return false
	}
}

// EventType is a RevenueCat webhook event type.
type EventType string

const (
	EventInitialPurchase EventType = "INITIAL_PURCHASE"
	EventRenewal         EventType = "RENEWAL"
	EventCancellation    EventType = "CANCELLATION"
	EventUncancellation  EventType = "UNCANCELLATION"
	EventBillingIssue    EventType = "BILLING_ISSUE"
	EventProductChange   EventType = "PRODUCT_CHANGE"
	EventExpiration      EventType = "EXPIRATION"
	EventTrialStarted    EventType = "TRIAL_STARTED"
	EventTrialConverted  EventType = "TRIAL_CONVERTED"
	EventTrialCancelled  EventType = "TRIAL_CANCELLED"
)

// Handled reports whether t changes entitlement state. Other types
// (TEST, TRANSFER, SUBSCRIBER_ALIAS, ...) are acknowledged and ignored.
func (t EventType) Handled() bool {
	switch t {
	case EventInitialPurchase, EventRenewal, EventCancellation, EventUncancellation,
		EventBillingIssue, EventProductChange, EventExpiration,
		EventTrialStarted, EventTrialConverted, EventTrialCancelled:
		return true
	}
	return false
}

// Event is a normalized billing webhook event.
type Event struct {
	ID            string     `json:"id"`
	Type          EventType  `json:"type"`
	AppUserID     string     `json:"appUserId"`
	ProductID     string     `json:"productId,omitempty"`
	NewProductID  string     `json:"newProductId,omitempty"`
	IsTrialPeriod bool       `json:"isTrialPeriod,omitempty"`
	PurchasedAt   *time.Time `json:"purchasedAt,omitempty"`
	ExpirationAt  *time.Time `json:"expirationAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

// Outcome describes what applying an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
)
