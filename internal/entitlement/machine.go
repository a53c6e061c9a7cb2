// machine.go -- Entitlement transition table.
//
// Apply is pure: it never mutates its input and reads time only through now.
package entitlement

import "time"

// Apply returns the entitlement that results from ev. The returned record has
// LastProcessedEventID set to ev.ID unless the outcome is Duplicate or Ignored,
// in which case e is returned unchanged.
//
// Out-of-order deliveries are guarded on expiresDate: no event moves it
// backwards, an EXPIRATION whose expiry predates the stored one is stale, and
// only an event reaching past the stored expiry can reactivate an expired record.
func Apply(e Entitlement, ev Event, now time.Time) (Entitlement, Outcome) {
	if ev.ID != "" && e.LastProcessedEventID == ev.ID {
		return e, OutcomeDuplicate
	}
	if !ev.Type.Handled() {
		return e, OutcomeIgnored
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}

	next := e
	next.LastProcessedEventID = ev.ID
	next.UpdatedAt = now

	switch ev.Type {
	case EventInitialPurchase:
		// A purchase whose period ends no later than the stored one was
		// superseded by events already applied.
		if e.Status == StatusExpired && !extends(e.ExpiresDate, ev.ExpirationAt) {
			return stale(e, ev, now), OutcomeStale
		}
		if e.ExpiresDate != nil && ev.ExpirationAt != nil && !ev.ExpirationAt.After(*e.ExpiresDate) {
			return stale(e, ev, now), OutcomeStale
		}
		next.Status = StatusActive
		setProduct(&next, ev.ProductID)
		next.IsTrialPeriod = ev.IsTrialPeriod
		next.ExpiresDate = later(e.ExpiresDate, ev.ExpirationAt)
		if ev.IsTrialPeriod {
			next.TrialEndsAt = next.ExpiresDate
		} else {
			next.TrialEndsAt = nil
		}
		next.CancelledAt = nil
		next.BillingIssueDetectedAt = nil

	case EventRenewal:
		// A renewal that doesn't reach past what an expiration already
		// recorded arrived late; don't resurrect the subscription.
		if e.Status == StatusExpired && !extends(e.ExpiresDate, ev.ExpirationAt) {
			return stale(e, ev, now), OutcomeStale
		}
		next.Status = StatusActive
		next.ExpiresDate = later(e.ExpiresDate, ev.ExpirationAt)
		next.IsTrialPeriod = false
		next.CancelledAt = nil
		next.BillingIssueDetectedAt = nil
		if ev.ProductID != "" {
			setProduct(&next, ev.ProductID)
		}

	case EventCancellation:
		next.Status = StatusCancelled
		next.CancelledAt = ptr(at)
		if ev.CancelledAt != nil {
			next.CancelledAt = ptr(*ev.CancelledAt)
		}
		if next.ExpiresDate == nil && ev.ExpirationAt != nil {
			next.ExpiresDate = ptr(*ev.ExpirationAt)
		}

	case EventUncancellation:
		next.Status = StatusActive
		next.CancelledAt = nil
		next.ExpiresDate = later(e.ExpiresDate, ev.ExpirationAt)

	case EventBillingIssue:
		next.Status = StatusBillingIssue
		next.BillingIssueDetectedAt = ptr(at)

	case EventProductChange:
		if e.Status == StatusExpired && !extends(e.ExpiresDate, ev.ExpirationAt) {
			return stale(e, ev, now), OutcomeStale
		}
		next.Status = StatusActive
		product := ev.NewProductID
		if product == "" {
			product = ev.ProductID
		}
		if product != "" {
			setProduct(&next, product)
		}
		next.ExpiresDate = later(e.ExpiresDate, ev.ExpirationAt)

	case EventExpiration:
		expiry := at
		if ev.ExpirationAt != nil {
			expiry = *ev.ExpirationAt
		}
		if e.ExpiresDate != nil && e.ExpiresDate.After(expiry) {
			return stale(e, ev, now), OutcomeStale
		}
		next.Status = StatusExpired
		next.ExpiresDate = ptr(expiry)
		next.IsTrialPeriod = false

	case EventTrialStarted:
		if e.Status == StatusExpired && !extends(e.ExpiresDate, ev.ExpirationAt) {
			return stale(e, ev, now), OutcomeStale
		}
		next.Status = StatusTrialing
		next.IsTrialPeriod = true
		setProduct(&next, ev.ProductID)
		next.ExpiresDate = later(e.ExpiresDate, ev.ExpirationAt)
		if ev.ExpirationAt != nil {
			next.TrialEndsAt = ptr(*ev.ExpirationAt)
		}
		next.CancelledAt = nil

	case EventTrialConverted:
		next.Status = StatusActive
		next.IsTrialPeriod = false
		next.ExpiresDate = later(e.ExpiresDate, ev.ExpirationAt)
		if ev.ProductID != "" {
			setProduct(&next, ev.ProductID)
		}

	case EventTrialCancelled:
		next.Status = StatusCancelled
		next.IsTrialPeriod = false
		next.CancelledAt = ptr(at)
		if ev.CancelledAt != nil {
			next.CancelledAt = ptr(*ev.CancelledAt)
		}
		if next.ExpiresDate == nil && ev.ExpirationAt != nil {
			next.ExpiresDate = ptr(*ev.ExpirationAt)
		}
	}

	return next, OutcomeApplied
}

// stale records ev as processed without touching subscription fields.
func stale(e Entitlement, ev Event, now time.Time) Entitlement {
	e.LastProcessedEventID = ev.ID
	e.UpdatedAt = now
	return e
}

func setProduct(e *Entitlement, productID string) {
	e.ProductID = productID
	e.Plan = MapProductIDToPlan(productID)
}

// later returns the later of stored and incoming, never moving stored backwards.
func later(stored, incoming *time.Time) *time.Time {
	switch {
	case incoming == nil:
		return stored
	case stored == nil || incoming.After(*stored):
		return ptr(*incoming)
	default:
		return stored
	}
}

// extends reports whether incoming is strictly after stored.
func extends(stored, incoming *time.Time) bool {
	if incoming == nil {
		return false
	}
	return stored == nil || incoming.After(*stored)
}

func ptr(t time.Time) *time.Time { return &t }
