// stores.go
//
// Shared in-memory implementations of directory.Store, entitlement.Store and
// session.Denylist. Imported by test files across packages to avoid duplicate
// mock definitions.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockUserStore implements directory.Store for tests.
// Always stateful...it enforces the same uniqueness rules as Postgres
// ((provider, subject) and lower(email)), so race tests are meaningful.
// Use *Err fields to inject errors for specific operations.
type MockUserStore struct {
	// Error injection...zero value means no error
	GetUserByIdentityErr error
	GetUserByEmailErr    error
	GetUserByIDErr       error
	CreateErr            error
	LinkErr              error
	UpdateProfileErr     error
	UserExistsErr        error

	// OnCreate runs before each insert with the lock released; tests use it
	// to widen race windows.
	OnCreate func()

	Users      map[uuid.UUID]*store.User
	Identities map[string]uuid.UUID // "provider|subject" -> user id
	Creates    int

	// Entitlements, if set, receives a default row for each created user.
	Entitlements *MockEntitlementStore

	mu sync.Mutex
}

// NewMockUserStore returns an empty MockUserStore.
func NewMockUserStore() *MockUserStore {
	return &MockUserStore{
		Users:      make(map[uuid.UUID]*store.User),
		Identities: make(map[string]uuid.UUID),
	}
}

func identityKey(provider, subject string) string { return provider + "|" + subject }

func copyUser(u *store.User) *store.User {
	c := *u
	return &c
}

func (m *MockUserStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserByIDErr != nil {
		return nil, m.GetUserByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MockUserStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.byEmailLocked(email); u != nil {
		return copyUser(u), nil
	}
	return nil, store.ErrNotFound
}

func (m *MockUserStore) byEmailLocked(email string) *store.User {
	for _, u := range m.Users {
		if u.Email != nil && strings.EqualFold(*u.Email, email) {
			return u
		}
	}
	return nil
}

func (m *MockUserStore) GetUserByIdentity(_ context.Context, provider, subject string) (*store.User, error) {
	if m.GetUserByIdentityErr != nil {
		return nil, m.GetUserByIdentityErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Identities[identityKey(provider, subject)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(m.Users[id]), nil
}

func (m *MockUserStore) UserExists(_ context.Context, id uuid.UUID) (bool, error) {
	if m.UserExistsErr != nil {
		return false, m.UserExistsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Users[id]
	return ok, nil
}

func (m *MockUserStore) CreateUserWithIdentity(_ context.Context, u *store.User, provider, subject string) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if m.OnCreate != nil {
		m.OnCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.Identities[identityKey(provider, subject)]; taken {
		return store.ErrConflict
	}
	if u.Email != nil && m.byEmailLocked(*u.Email) != nil {
		return store.ErrConflict
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	m.Users[u.ID] = copyUser(u)
	m.Identities[identityKey(provider, subject)] = u.ID
	m.Creates++
	if m.Entitlements != nil {
		m.Entitlements.Seed(u.ID)
	}
	return nil
}

func (m *MockUserStore) LinkIdentity(_ context.Context, userID uuid.UUID, provider, subject string) (uuid.UUID, error) {
	if m.LinkErr != nil {
		return uuid.Nil, m.LinkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identityKey(provider, subject)
	if owner, ok := m.Identities[key]; ok {
		return owner, nil
	}
	if _, ok := m.Users[userID]; !ok {
		return uuid.Nil, store.ErrNotFound
	}
	m.Identities[key] = userID
	if u := m.Users[userID]; u.Email != nil && u.EmailVerifiedAt == nil {
		now := time.Now()
		u.EmailVerifiedAt = &now
		u.PasswordHash = nil
	}
	return userID, nil
}

func (m *MockUserStore) ListIdentities(_ context.Context, userID uuid.UUID) ([]store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Identity
	for key, id := range m.Identities {
		if id != userID {
			continue
		}
		provider, subject, _ := strings.Cut(key, "|")
		out = append(out, store.Identity{Provider: provider, Subject: subject, UserID: id})
	}
	return out, nil
}

func (m *MockUserStore) UpdateProfile(_ context.Context, userID uuid.UUID, p store.ProfileUpdate) (*store.User, error) {
	if m.UpdateProfileErr != nil {
		return nil, m.UpdateProfileErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Name != nil {
		u.Name = p.Name
	}
	if p.PhotoURL != nil {
		u.PhotoURL = p.PhotoURL
	}
	u.UpdatedAt = time.Now()
	return copyUser(u), nil
}

func (m *MockUserStore) SetEmailIfEmpty(_ context.Context, userID uuid.UUID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok || u.Email != nil {
		return nil
	}
	if m.byEmailLocked(email) != nil {
		return store.ErrConflict
	}
	now := time.Now()
	u.Email = &email
	u.EmailVerifiedAt = &now
	return nil
}

// UserCount returns the number of stored users.
func (m *MockUserStore) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Users)
}

// MockEntitlementStore implements entitlement.Store with the same
// compare-and-swap and ledger semantics as the Postgres store.
type MockEntitlementStore struct {
	GetErr  error
	SaveErr error

	Rows   map[uuid.UUID]entitlement.Entitlement
	Ledger map[string]bool

	mu sync.Mutex
}

// NewMockEntitlementStore returns an empty MockEntitlementStore.
func NewMockEntitlementStore() *MockEntitlementStore {
	return &MockEntitlementStore{
		Rows:   make(map[uuid.UUID]entitlement.Entitlement),
		Ledger: make(map[string]bool),
	}
}

// Seed inserts the default {status: none} row at version 1.
func (m *MockEntitlementStore) Seed(userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entitlement.New(userID)
	e.Version = 1
	m.Rows[userID] = e
}

// Put stores e as-is, bumping nothing. For arranging test state.
func (m *MockEntitlementStore) Put(e entitlement.Entitlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Version == 0 {
		e.Version = 1
	}
	m.Rows[e.UserID] = e
}

func (m *MockEntitlementStore) GetEntitlement(_ context.Context, userID uuid.UUID) (*entitlement.Entitlement, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Rows[userID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	return &e, nil
}

func (m *MockEntitlementStore) HasProcessedEvent(_ context.Context, eventID string) (bool, error) {
	if m.GetErr != nil {
		return false, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Ledger[eventID], nil
}

func (m *MockEntitlementStore) SaveEntitlement(_ context.Context, e *entitlement.Entitlement, expectedVersion int64, ev entitlement.Event) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Ledger[ev.ID] {
		return entitlement.ErrDuplicateEvent
	}
	cur, ok := m.Rows[e.UserID]
	if (!ok && expectedVersion != 0) || (ok && cur.Version != expectedVersion) {
		return entitlement.ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	m.Rows[e.UserID] = *e
	m.Ledger[ev.ID] = true
	return nil
}

func (m *MockEntitlementStore) ExpireLapsed(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.Rows {
		if e.Status == entitlement.StatusCancelled && e.ExpiresDate != nil && !e.ExpiresDate.After(now) {
			e.Status = entitlement.StatusExpired
			e.Version++
			m.Rows[id] = e
			n++
		}
	}
	return n, nil
}

// MockDenylist implements session.Denylist.
type MockDenylist struct {
	RevokeErr    error
	IsRevokedErr error
	CutoffErr    error

	// OnIsRevoked runs before each lookup with the lock released; tests use
	// it to hold concurrent callers at the check.
	OnIsRevoked func()

	Revoked map[string]time.Duration
	Cutoffs map[uuid.UUID]time.Time

	mu sync.Mutex
}

// NewMockDenylist returns an empty MockDenylist.
func NewMockDenylist() *MockDenylist {
	return &MockDenylist{
		Revoked: make(map[string]time.Duration),
		Cutoffs: make(map[uuid.UUID]time.Time),
	}
}

func (m *MockDenylist) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if m.RevokeErr != nil {
		return m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Revoked[tokenID] = ttl
	return nil
}

func (m *MockDenylist) RevokeOnce(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	if m.RevokeErr != nil {
		return false, m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Revoked[tokenID]; ok {
		return false, nil
	}
	m.Revoked[tokenID] = ttl
	return true, nil
}

func (m *MockDenylist) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	if m.OnIsRevoked != nil {
		m.OnIsRevoked()
	}
	if m.IsRevokedErr != nil {
		return false, m.IsRevokedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Revoked[tokenID]
	return ok, nil
}

func (m *MockDenylist) RevokeUser(_ context.Context, userID uuid.UUID, cutoff time.Time, _ time.Duration) error {
	if m.RevokeErr != nil {
		return m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cutoff.After(m.Cutoffs[userID]) {
		m.Cutoffs[userID] = cutoff
	}
	return nil
}

func (m *MockDenylist) UserCutoff(_ context.Context, userID uuid.UUID) (time.Time, error) {
	if m.CutoffErr != nil {
		return time.Time{}, m.CutoffErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cutoffs[userID], nil
}
