package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/gofrs/uuid/v5"
)

// memStore is an in-memory Store with the same version and ledger semantics
// as the Postgres implementation.
type memStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]Entitlement
	ledger   map[string]bool
	saves    int
	conflict int // number of SaveEntitlement calls to fail with ErrVersionConflict
	err      error
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID]Entitlement{}, ledger: map[string]bool{}}
}

func (m *memStore) GetEntitlement(_ context.Context, userID uuid.UUID) (*Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.rows[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *memStore) HasProcessedEvent(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.ledger[id], nil
}

func (m *memStore) SaveEntitlement(_ context.Context, e *Entitlement, expected int64, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.conflict > 0 {
		m.conflict--
		return ErrVersionConflict
	}
	if m.ledger[ev.ID] {
		return ErrDuplicateEvent
	}
	cur, ok := m.rows[e.UserID]
	if (!ok && expected != 0) || (ok && cur.Version != expected) {
		return ErrVersionConflict
	}
	e.Version = expected + 1
	m.rows[e.UserID] = *e
	m.ledger[ev.ID] = true
	m.saves++
	return nil
}

func (m *memStore) ExpireLapsed(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.rows {
		if e.Status == StatusCancelled && e.ExpiresDate != nil && !e.ExpiresDate.After(now) {
			e.Status = StatusExpired
			e.Version++
			m.rows[id] = e
			n++
		}
	}
	return n, nil
}

// knownUsers is a UserLookup over a fixed set.
type knownUsers struct {
	ids map[uuid.UUID]bool
	err error
}

func (k knownUsers) UserExists(_ context.Context, id uuid.UUID) (bool, error) {
	return k.ids[id], k.err
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) RecordWebhookEvent(eventType, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[eventType+"/"+outcome]++
}

func newTestService(t *testing.T) (*Service, *memStore, uuid.UUID) {
	t.Helper()
	userID := uuid.Must(uuid.NewV7())
	store := newMemStore()
	svc := NewService(store, knownUsers{ids: map[uuid.UUID]bool{userID: true}}, Options{
		Now: func() time.Time { return t0 },
	})
	return svc, store, userID
}

func userPurchase(userID uuid.UUID, id string) Event {
	ev := purchase(id)
	ev.AppUserID = userID.String()
	return ev
}

// --- Process ---

func TestProcess_AppliesAndPersists(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.Process(ctx, userPurchase(userID, "evt-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome: expected applied, got %q", outcome)
	}

	got, _ := store.GetEntitlement(ctx, userID)
	if got.Status != StatusActive || got.Version != 1 || got.LastProcessedEventID != "evt-1" {
		t.Errorf("unexpected stored entitlement: %+v", got)
	}

	ok, e, err := svc.IsEntitled(ctx, userID)
	if err != nil || !ok {
		t.Errorf("IsEntitled: expected true, got %v (err %v)", ok, err)
	}
	if e.Plan != PlanEssential {
		t.Errorf("plan: expected essential, got %q", e.Plan)
	}
}

func TestProcess_DuplicateDelivery(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()
	ev := userPurchase(userID, "evt-1")

	svc.Process(ctx, ev)
	first, _ := store.GetEntitlement(ctx, userID)

	outcome, err := svc.Process(ctx, ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome: expected duplicate, got %q", outcome)
	}
	second, _ := store.GetEntitlement(ctx, userID)
	if *first != *second {
		t.Errorf("duplicate changed state:\n first=%+v\nsecond=%+v", first, second)
	}
	if store.saves != 1 {
		t.Errorf("saves: expected 1, got %d", store.saves)
	}
}

func TestProcess_LedgerCatchesOlderDuplicate(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()

	svc.Process(ctx, userPurchase(userID, "evt-1"))
	svc.Process(ctx, Event{ID: "evt-2", Type: EventCancellation, AppUserID: userID.String()})

	// evt-1 is no longer lastProcessedEventId; only the ledger knows it.
	outcome, err := svc.Process(ctx, userPurchase(userID, "evt-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome: expected duplicate, got %q", outcome)
	}
	got, _ := store.GetEntitlement(ctx, userID)
	if got.Status != StatusCancelled {
		t.Errorf("status: expected cancelled to survive redelivery, got %q", got.Status)
	}
}

func TestProcess_RetriesVersionConflict(t *testing.T) {
	svc, store, userID := newTestService(t)
	store.conflict = 2

	outcome, err := svc.Process(context.Background(), userPurchase(userID, "evt-1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome: expected applied, got %q", outcome)
	}
}

func TestProcess_GivesUpAfterMaxAttempts(t *testing.T) {
	svc, store, userID := newTestService(t)
	store.conflict = DefaultMaxAttempts

	_, err := svc.Process(context.Background(), userPurchase(userID, "evt-1"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindWebhookProcessing {
		t.Errorf("kind: expected webhook_processing, got %v", apperr.KindOf(err))
	}
}

func TestProcess_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("non-uuid app user id", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Process(ctx, Event{ID: "x", Type: EventRenewal, AppUserID: "$RCAnonymousID:abc"})
		if apperr.CodeOf(err) != "unknown_user" {
			t.Errorf("code: expected unknown_user, got %q (%v)", apperr.CodeOf(err), err)
		}
	})

	t.Run("user not in directory", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Process(ctx, userPurchase(uuid.Must(uuid.NewV7()), "x"))
		if apperr.CodeOf(err) != "unknown_user" {
			t.Errorf("code: expected unknown_user, got %q", apperr.CodeOf(err))
		}
	})

	t.Run("storage unavailable", func(t *testing.T) {
		svc, store, userID := newTestService(t)
		store.err = errors.New("connection refused")
		_, err := svc.Process(ctx, userPurchase(userID, "x"))
		if apperr.CodeOf(err) != "storage_unavailable" {
			t.Errorf("code: expected storage_unavailable, got %q", apperr.CodeOf(err))
		}
		if apperr.KindOf(err) != apperr.KindWebhookProcessing {
			t.Errorf("kind: expected webhook_processing, got %v", apperr.KindOf(err))
		}
	})

	t.Run("unknown type is ignored without lookups", func(t *testing.T) {
		svc, store, _ := newTestService(t)
		store.err = errors.New("should not be called")
		outcome, err := svc.Process(ctx, Event{ID: "x", Type: "TEST"})
		if err != nil || outcome != OutcomeIgnored {
			t.Errorf("expected ignored, got %q (err %v)", outcome, err)
		}
		if len(store.ledger) != 0 {
			t.Errorf("unknown types are not ledgered, got %v", store.ledger)
		}
	})
}

func TestProcess_RecordsOutcomes(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	rec := &countingRecorder{counts: map[string]int{}}
	svc := NewService(newMemStore(), knownUsers{ids: map[uuid.UUID]bool{userID: true}}, Options{Recorder: rec})

	ev := userPurchase(userID, "evt-1")
	svc.Process(context.Background(), ev)
	svc.Process(context.Background(), ev)

	if rec.counts["INITIAL_PURCHASE/applied"] != 1 || rec.counts["INITIAL_PURCHASE/duplicate"] != 1 {
		t.Errorf("unexpected counts: %v", rec.counts)
	}
}

// --- Concurrency ---

func TestProcess_ConcurrentDistinctEvents(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()
	svc.Process(ctx, userPurchase(userID, "evt-0"))

	// Many renewals race for the same user; each must land exactly once.
	svc.maxAttempts = 100
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := Event{
				ID:           fmt.Sprintf("renew-%d", i),
				Type:         EventRenewal,
				AppUserID:    userID.String(),
				ExpirationAt: at(days(30 + i)),
			}
			if _, err := svc.Process(ctx, ev); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Process: %v", err)
	}

	got, _ := store.GetEntitlement(ctx, userID)
	if got.Version != n+1 {
		t.Errorf("version: expected %d, got %d", n+1, got.Version)
	}
	if !got.ExpiresDate.Equal(t0.Add(days(30 + n))) {
		t.Errorf("expiresDate: expected latest renewal T+%dd, got %v", 30+n, got.ExpiresDate)
	}
}

func TestProcess_ConcurrentDuplicateDelivery(t *testing.T) {
	svc, store, userID := newTestService(t)
	ev := userPurchase(userID, "evt-same")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Process(context.Background(), ev)
		}()
	}
	wg.Wait()

	if store.saves != 1 {
		t.Errorf("saves: expected exactly 1, got %d", store.saves)
	}
}

// --- Get / ExpireLapsed ---

func TestGet_DefaultsToNone(t *testing.T) {
	svc, _, _ := newTestService(t)
	e, err := svc.Get(context.Background(), uuid.Must(uuid.NewV7()))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusNone {
		t.Errorf("status: expected none, got %q", e.Status)
	}
}

func TestExpireLapsed(t *testing.T) {
	svc, store, userID := newTestService(t)
	ctx := context.Background()
	svc.Process(ctx, userPurchase(userID, "evt-1"))
	svc.Process(ctx, Event{ID: "evt-2", Type: EventCancellation, AppUserID: userID.String()})

	svc.now = func() time.Time { return t0.Add(days(31)) }
	n, err := svc.ExpireLapsed(ctx)
	if err != nil {
		t.Fatalf("ExpireLapsed: %v", err)
	}
	if n != 1 {
		t.Errorf("count: expected 1, got %d", n)
	}
	got, _ := store.GetEntitlement(ctx, userID)
	if got.Status != StatusExpired {
		t.Errorf("status: expected expired, got %q", got.Status)
	}
}
