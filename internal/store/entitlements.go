// entitlements.go -- Entitlement rows and the webhook event ledger.
//
// Writes use optimistic concurrency on entitlements.version; the ledger row and
// the entitlement update commit together so an event can never be half-applied.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// GetEntitlement returns userID's entitlement, or entitlement.ErrNotFound.
func (s *PostgresStore) GetEntitlement(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error) {
	var (
		e                      entitlement.Entitlement
		status, plan           string
		productID, lastEventID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, status, plan, product_id, is_trial_period, expires_at, trial_ends_at,
		        cancelled_at, billing_issue_detected_at, last_processed_event_id, version, updated_at
		 FROM entitlements WHERE user_id = $1`,
		userID,
	).Scan(&e.UserID, &status, &plan, &productID, &e.IsTrialPeriod, &e.ExpiresDate, &e.TrialEndsAt,
		&e.CancelledAt, &e.BillingIssueDetectedAt, &lastEventID, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entitlement: %w", err)
	}
	e.Status = entitlement.Status(status)
	e.Plan = entitlement.Plan(plan)
	if productID != nil {
		e.ProductID = *productID
	}
	if lastEventID != nil {
		e.LastProcessedEventID = *lastEventID
	}
	return &e, nil
}

// HasProcessedEvent reports whether eventID is in the webhook ledger.
func (s *PostgresStore) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = $1)", eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking webhook ledger: %w", err)
	}
	return exists, nil
}

// SaveEntitlement records ev in the ledger and writes e if the stored version
// still equals expectedVersion (0 = insert a new row). On success e.Version is
// the new version. Returns entitlement.ErrDuplicateEvent or entitlement.ErrVersionConflict.
func (s *PostgresStore) SaveEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64, ev entitlement.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning entitlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, app_user_id)
		 VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.AppUserID)
	if err != nil {
		return fmt.Errorf("recording webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrDuplicateEvent
	}

	productID := nullable(e.ProductID)
	lastEventID := nullable(e.LastProcessedEventID)
	if expectedVersion == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO entitlements (user_id, status, plan, product_id, is_trial_period, expires_at,
			     trial_ends_at, cancelled_at, billing_issue_detected_at, last_processed_event_id, version, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			 ON CONFLICT (user_id) DO NOTHING`,
			e.UserID, string(e.Status), string(e.Plan), productID, e.IsTrialPeriod, e.ExpiresDate,
			e.TrialEndsAt, e.CancelledAt, e.BillingIssueDetectedAt, lastEventID, e.UpdatedAt)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE entitlements SET
				status = $2, plan = $3, product_id = $4, is_trial_period = $5, expires_at = $6,
				trial_ends_at = $7, cancelled_at = $8, billing_issue_detected_at = $9,
				last_processed_event_id = $10, version = version + 1, updated_at = $11
			 WHERE user_id = $1 AND version = $12`,
			e.UserID, string(e.Status), string(e.Plan), productID, e.IsTrialPeriod, e.ExpiresDate,
			e.TrialEndsAt, e.CancelledAt, e.BillingIssueDetectedAt, lastEventID, e.UpdatedAt, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("writing entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing entitlement transaction: %w", err)
	}
	e.Version = expectedVersion + 1
	return nil
}

// ExpireLapsed moves cancelled entitlements whose expiry is at or before now
// to expired, bumping the version so in-flight webhook writers retry.
func (s *PostgresStore) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET status = 'expired', version = version + 1, updated_at = $1
		 WHERE status = 'cancelled' AND expires_at IS NOT NULL AND expires_at <= $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("expiring lapsed entitlements: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
