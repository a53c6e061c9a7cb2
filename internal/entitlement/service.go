// service.go -- Applies webhook events to stored entitlements.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/gofrs/uuid/v5"
)

// DefaultMaxAttempts bounds optimistic-concurrency retries per event.
const DefaultMaxAttempts = 5

// Store persists entitlements and the processed-event ledger.
type Store interface {
	// GetEntitlement returns ErrNotFound if the user has no row yet.
	GetEntitlement(ctx context.Context, userID uuid.UUID) (*Entitlement, error)
	// HasProcessedEvent reports whether eventID is in the ledger.
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	// SaveEntitlement writes e if the stored version still equals expectedVersion
	// (0 = no row yet) and records ev in the ledger, atomically. On success
	// e.Version holds the new version. Returns ErrVersionConflict or ErrDuplicateEvent.
	SaveEntitlement(ctx context.Context, e *Entitlement, expectedVersion int64, ev Event) error
	// ExpireLapsed moves cancelled entitlements whose expiry is at or before now to expired.
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

// UserLookup checks that a webhook's app_user_id names a known user.
type UserLookup interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Recorder receives webhook outcome counts.
type Recorder interface {
	RecordWebhookEvent(eventType, outcome string)
}

// SweepRecorder is optionally implemented by a Recorder to count sweeper expirations.
type SweepRecorder interface {
	RecordExpired(n int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordWebhookEvent(string, string) {}

// Options tunes a Service.
type Options struct {
	MaxAttempts int
	Recorder    Recorder
	Now         func() time.Time
}

// Service is the entitlement state machine bound to storage.
type Service struct {
	store       Store
	users       UserLookup
	maxAttempts int
	rec         Recorder
	now         func() time.Time
}

// NewService returns a Service over store and users.
func NewService(store Store, users UserLookup, opts Options) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, users: users, maxAttempts: opts.MaxAttempts, rec: opts.Recorder, now: opts.Now}
}

// Process applies ev to its user's entitlement. Safe under duplicate and
// concurrent delivery: each event id takes effect at most once, and concurrent
// writers for one user serialize through the version check.
// Failures are WebhookProcessing errors.
func (s *Service) Process(ctx context.Context, ev Event) (Outcome, error) {
	outcome, err := s.process(ctx, ev)
	if err != nil {
		s.rec.RecordWebhookEvent(string(ev.Type), "failed")
		return "", err
	}
	s.rec.RecordWebhookEvent(string(ev.Type), string(outcome))
	return outcome, nil
}

func (s *Service) process(ctx context.Context, ev Event) (Outcome, error) {
	if !ev.Type.Handled() {
		return OutcomeIgnored, nil
	}

	userID, err := uuid.FromString(ev.AppUserID)
	if err != nil {
		return "", apperr.WebhookProcessing("unknown_user", fmt.Errorf("app_user_id %q: %w", ev.AppUserID, err))
	}
	ok, err := s.users.UserExists(ctx, userID)
	if err != nil {
		return "", apperr.WebhookProcessing("storage_unavailable", fmt.Errorf("looking up user: %w", err))
	}
	if !ok {
		return "", apperr.WebhookProcessing("unknown_user", fmt.Errorf("user %s not found", userID))
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		done, err := s.store.HasProcessedEvent(ctx, ev.ID)
		if err != nil {
			return "", apperr.WebhookProcessing("storage_unavailable", fmt.Errorf("checking ledger: %w", err))
		}
		if done {
			return OutcomeDuplicate, nil
		}

		current, err := s.store.GetEntitlement(ctx, userID)
		switch {
		case errors.Is(err, ErrNotFound):
			fresh := New(userID)
			current = &fresh
		case err != nil:
			return "", apperr.WebhookProcessing("storage_unavailable", fmt.Errorf("reading entitlement: %w", err))
		}

		next, outcome := Apply(*current, ev, s.now())
		if outcome == OutcomeDuplicate || outcome == OutcomeIgnored {
			return outcome, nil
		}

		err = s.store.SaveEntitlement(ctx, &next, current.Version, ev)
		switch {
		case err == nil:
			return outcome, nil
		case errors.Is(err, ErrDuplicateEvent):
			return OutcomeDuplicate, nil
		case errors.Is(err, ErrVersionConflict):
			slog.Debug("entitlement version conflict, retrying",
				"component", "entitlement", "user_id", userID, "event_id", ev.ID, "attempt", attempt)
			continue
		default:
			return "", apperr.WebhookProcessing("storage_unavailable", fmt.Errorf("saving entitlement: %w", err))
		}
	}
	return "", apperr.WebhookProcessing("version_conflict",
		fmt.Errorf("event %s after %d attempts: %w", ev.ID, s.maxAttempts, ErrVersionConflict))
}

// Get returns userID's entitlement, or the default record if none is stored.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	e, err := s.store.GetEntitlement(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		fresh := New(userID)
		return &fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entitlement: %w", err)
	}
	return e, nil
}

// IsEntitled reports whether userID currently has access.
func (s *Service) IsEntitled(ctx context.Context, userID uuid.UUID) (bool, *Entitlement, error) {
	e, err := s.Get(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	return IsEntitled(*e, s.now()), e, nil
}

// ExpireLapsed runs one expiry sweep.
func (s *Service) ExpireLapsed(ctx context.Context) (int64, error) {
	return s.store.ExpireLapsed(ctx, s.now())
}

// StartSweeper runs ExpireLapsed every interval until ctx is cancelled. Call in a goroutine.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireLapsed(ctx)
			if err != nil {
				slog.Error("entitlement sweep failed", "component", "entitlement", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired lapsed entitlements", "component", "entitlement", "count", n)
				if r, ok := s.rec.(SweepRecorder); ok {
					r.RecordExpired(n)
				}
			}
		}
	}
}
