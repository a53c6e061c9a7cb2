// handler_test.go

// unit tests for AppleSignIn, GoogleSignIn, Register, Login and CheckHealth,
// plus the shared fixture every handler test builds on.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"github.com/MGallo-Code/tollgate/internal/directory"
	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/MGallo-Code/tollgate/internal/identity"
	"github.com/MGallo-Code/tollgate/internal/session"
	"github.com/MGallo-Code/tollgate/internal/testutil"
)

// testSecret is a 32-byte session signing key.
var testSecret = []byte("0123456789abcdef0123456789abcdef")

// --- Test doubles ---

// stubVerifier accepts only the tokens it was given, each bound to a provider.
type stubVerifier struct {
	tokens map[string]*identity.Claims
	err    error
}

func (s *stubVerifier) Verify(_ context.Context, p identity.Provider, token string) (*identity.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.tokens[token]
	if !ok || c.Provider != p {
		return nil, apperr.Authentication("invalid_token", identity.ErrInvalidToken)
	}
	cp := *c
	return &cp, nil
}

// stubExchanger records the code it was asked to redeem.
type stubExchanger struct {
	err         error
	called      bool
	gotCode     string
	gotExpected string
}

func (s *stubExchanger) Exchange(_ context.Context, code, expectSubject string) (*identity.Claims, error) {
	s.called = true
	s.gotCode, s.gotExpected = code, expectSubject
	if s.err != nil {
		return nil, s.err
	}
	return &identity.Claims{Provider: identity.ProviderApple, Subject: expectSubject}, nil
}

// stubRetry collects enqueued webhook events.
type stubRetry struct {
	mu     sync.Mutex
	err    error
	events []entitlement.Event
}

func (s *stubRetry) Enqueue(_ context.Context, ev entitlement.Event, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

// fakeRecorder captures metric labels.
type fakeRecorder struct {
	mu         sync.Mutex
	signIns    []string // "provider/outcome"
	rejections []string
	limited    []string
}

func (f *fakeRecorder) RecordSignIn(provider, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIns = append(f.signIns, provider+"/"+outcome)
}

func (f *fakeRecorder) RecordTokenRejection(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, reason)
}

func (f *fakeRecorder) RecordRateLimited(route string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limited = append(f.limited, route)
}

// stubHealth returns err from every ping.
type stubHealth struct{ err error }

func (s stubHealth) CheckHealth(context.Context) error { return s.err }

// --- Fixture ---

// fixture wires a handler over in-memory stores and a real session issuer,
// directory and entitlement service.
type fixture struct {
	h        *AuthHandler
	users    *testutil.MockUserStore
	ents     *testutil.MockEntitlementStore
	deny     *testutil.MockDenylist
	verifier *stubVerifier
	retry    *stubRetry
	rec      *fakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := testutil.NewMockUserStore()
	ents := testutil.NewMockEntitlementStore()
	users.Entitlements = ents
	deny := testutil.NewMockDenylist()

	issuer, err := session.NewIssuer(testSecret, session.Options{})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	dir := directory.New(users, directory.WithSessionRevoker(session.UserRevoker{Issuer: issuer, Denylist: deny}))

	f := &fixture{
		users:    users,
		ents:     ents,
		deny:     deny,
		verifier: &stubVerifier{tokens: make(map[string]*identity.Claims)},
		retry:    &stubRetry{},
		rec:      &fakeRecorder{},
	}
	f.h = &AuthHandler{
		Verifier:     f.verifier,
		Users:        dir,
		Sessions:     issuer,
		Denylist:     f.deny,
		Entitlements: entitlement.NewService(ents, dir, entitlement.Options{}),
		Retry:        f.retry,
		Policy:       PasswordPolicy{MinLength: 8, MaxLength: 128},
		Metrics:      f.rec,
	}
	return f
}

// token registers a provider token the stub verifier will accept.
func (f *fixture) token(raw string, c identity.Claims) {
	f.verifier.tokens[raw] = &c
}

// --- Helper Functions ---

// do sends body to handler and returns the recorder. bearer may be empty.
func do(handler http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

type sessionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Token        string      `json:"token"`
		RefreshToken string      `json:"refreshToken"`
		User         userPayload `json:"user"`
	} `json:"data"`
}

// decodeSession checks for a successful session envelope and returns it.
func decodeSession(t *testing.T, w *httptest.ResponseRecorder, wantStatus int) sessionResponse {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status: expected %d, got %d (body %s)", wantStatus, w.Code, w.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding session response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success:true, got %s", w.Body.String())
	}
	if resp.Data.Token == "" || resp.Data.RefreshToken == "" {
		t.Fatal("expected token and refreshToken in response")
	}
	return resp
}

// assertFail checks for a {success:false, error:code} response.
func assertFail(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()
	if w.Code != wantStatus {
		t.Errorf("status: expected %d, got %d (body %s)", wantStatus, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var resp envelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if resp.Success {
		t.Error("expected success:false")
	}
	if resp.Error != wantCode {
		t.Errorf("error: expected %q, got %q", wantCode, resp.Error)
	}
}

const appleBody = `{"identityToken":"apple-ok","user":"001839.abc","email":"a@example.com","fullName":{"givenName":"Ada","familyName":"Lovelace"}}`

func appleClaims() identity.Claims {
	return identity.Claims{
		Provider:      identity.ProviderApple,
		Subject:       "001839.abc",
		Email:         "a@example.com",
		EmailVerified: true,
	}
}

func googleTestClaims() identity.Claims {
	return identity.Claims{
		Provider:      identity.ProviderGoogle,
		Subject:       "g123",
		Email:         "b@example.com",
		EmailVerified: true,
		DisplayName:   "Bea",
	}
}

// --- AppleSignIn ---

func TestAppleSignIn(t *testing.T) {
	t.Run("new user gets a session bound to the created user", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())

		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/api/auth/apple", appleBody, "")
		resp := decodeSession(t, w, http.StatusOK)

		if resp.Data.User.AuthProvider != "apple" {
			t.Errorf("authProvider: expected apple, got %q", resp.Data.User.AuthProvider)
		}
		if resp.Data.User.Email != "a@example.com" {
			t.Errorf("email: expected a@example.com, got %q", resp.Data.User.Email)
		}
		if resp.Data.User.Name != "Ada Lovelace" {
			t.Errorf("name: expected Ada Lovelace, got %q", resp.Data.User.Name)
		}
		claims, err := f.h.Sessions.Verify(resp.Data.Token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if claims.UserID.String() != resp.Data.User.ID {
			t.Errorf("token userId %s does not match user id %s", claims.UserID, resp.Data.User.ID)
		}
		if f.users.UserCount() != 1 {
			t.Errorf("expected 1 user, got %d", f.users.UserCount())
		}
	})

	t.Run("repeat sign-in returns the same user", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		h := http.HandlerFunc(f.h.AppleSignIn)

		first := decodeSession(t, do(h, http.MethodPost, "/", appleBody, ""), http.StatusOK)
		second := decodeSession(t, do(h, http.MethodPost, "/", `{"identityToken":"apple-ok"}`, ""), http.StatusOK)

		if first.Data.User.ID != second.Data.User.ID {
			t.Errorf("expected same user id, got %s and %s", first.Data.User.ID, second.Data.User.ID)
		}
		if f.users.UserCount() != 1 {
			t.Errorf("expected 1 user, got %d", f.users.UserCount())
		}
	})

	t.Run("missing identityToken returns 400", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", `{"user":"001839.abc"}`, "")
		assertFail(t, w, http.StatusBadRequest, "invalid_request")
	})

	t.Run("malformed JSON returns 400", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", `{not json`, "")
		assertFail(t, w, http.StatusBadRequest, "invalid_json")
	})

	t.Run("empty body returns 400", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", "", "")
		assertFail(t, w, http.StatusBadRequest, "empty_body")
	})

	t.Run("rejected token returns 401 and creates nothing", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", `{"identityToken":"forged"}`, "")

		assertFail(t, w, http.StatusUnauthorized, "invalid_token")
		if f.users.UserCount() != 0 {
			t.Errorf("expected no users, got %d", f.users.UserCount())
		}
		if len(f.rec.signIns) != 1 || f.rec.signIns[0] != "apple/rejected" {
			t.Errorf("expected apple/rejected metric, got %v", f.rec.signIns)
		}
	})

	t.Run("a Google token is not accepted as Apple", func(t *testing.T) {
		f := newFixture(t)
		f.token("google-tok", identity.Claims{Provider: identity.ProviderGoogle, Subject: "g1"})
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", `{"identityToken":"google-tok"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_token")
	})

	t.Run("body user differing from token subject returns 401", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/",
			`{"identityToken":"apple-ok","user":"someone.else"}`, "")

		assertFail(t, w, http.StatusUnauthorized, "invalid_token")
		if f.users.UserCount() != 0 {
			t.Errorf("expected no users, got %d", f.users.UserCount())
		}
	})

	t.Run("client-supplied email is never trusted", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-private", identity.Claims{Provider: identity.ProviderApple, Subject: "001839.xyz"})
		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/",
			`{"identityToken":"apple-private","email":"victim@example.com"}`, "")

		resp := decodeSession(t, w, http.StatusOK)
		if resp.Data.User.Email != "" {
			t.Errorf("expected no email, got %q", resp.Data.User.Email)
		}
	})

	t.Run("authorization code is exchanged against the token subject", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		ex := &stubExchanger{}
		f.h.AppleCode = ex

		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/",
			`{"identityToken":"apple-ok","authorizationCode":"c0de"}`, "")

		decodeSession(t, w, http.StatusOK)
		if !ex.called || ex.gotCode != "c0de" || ex.gotExpected != "001839.abc" {
			t.Errorf("unexpected exchange: called=%v code=%q subject=%q", ex.called, ex.gotCode, ex.gotExpected)
		}
	})

	t.Run("no authorization code skips the exchange", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		ex := &stubExchanger{}
		f.h.AppleCode = ex

		decodeSession(t, do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", appleBody, ""), http.StatusOK)
		if ex.called {
			t.Error("exchange should not have been called")
		}
	})

	t.Run("exchanged token for another subject returns 401", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		f.h.AppleCode = &stubExchanger{err: identity.ErrSubjectMismatch}

		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/",
			`{"identityToken":"apple-ok","authorizationCode":"c0de"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_token")
	})

	t.Run("Apple token endpoint down returns 503", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		f.h.AppleCode = &stubExchanger{err: errors.New("dial tcp: connection refused")}

		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/",
			`{"identityToken":"apple-ok","authorizationCode":"c0de"}`, "")
		assertFail(t, w, http.StatusServiceUnavailable, "provider_unavailable")
	})

	t.Run("storage failure returns generic 500", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		f.users.GetUserByIdentityErr = errors.New("pq: connection reset by peer")

		w := do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", appleBody, "")
		assertFail(t, w, http.StatusInternalServerError, "internal_error")
		if strings.Contains(w.Body.String(), "connection reset") {
			t.Error("internal error text leaked to client")
		}
	})
}

// --- GoogleSignIn ---

func TestGoogleSignIn(t *testing.T) {
	googleClaims := func(name string) identity.Claims {
		c := googleTestClaims()
		c.DisplayName = name
		return c
	}

	t.Run("new user gets google authProvider", func(t *testing.T) {
		f := newFixture(t)
		f.token("g-tok", googleClaims("Bea"))

		w := do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/api/auth/google",
			`{"idToken":"g-tok","user":{"id":"g123","email":"b@example.com","name":"Bea"}}`, "")
		resp := decodeSession(t, w, http.StatusOK)

		if resp.Data.User.AuthProvider != "google" {
			t.Errorf("authProvider: expected google, got %q", resp.Data.User.AuthProvider)
		}
		if resp.Data.User.Name != "Bea" {
			t.Errorf("name: expected Bea, got %q", resp.Data.User.Name)
		}
		if len(f.rec.signIns) != 1 || f.rec.signIns[0] != "google/created" {
			t.Errorf("expected google/created metric, got %v", f.rec.signIns)
		}
	})

	t.Run("changed name updates the existing user", func(t *testing.T) {
		f := newFixture(t)
		f.token("g-old", googleClaims("Old Name"))
		f.token("g-new", googleClaims("New Name"))
		h := http.HandlerFunc(f.h.GoogleSignIn)

		first := decodeSession(t, do(h, http.MethodPost, "/", `{"idToken":"g-old","user":{"id":"g123"}}`, ""), http.StatusOK)
		second := decodeSession(t, do(h, http.MethodPost, "/", `{"idToken":"g-new","user":{"id":"g123"}}`, ""), http.StatusOK)

		if first.Data.User.ID != second.Data.User.ID {
			t.Fatalf("expected same user, got %s and %s", first.Data.User.ID, second.Data.User.ID)
		}
		if second.Data.User.Name != "New Name" {
			t.Errorf("name: expected New Name, got %q", second.Data.User.Name)
		}
	})

	t.Run("body name fills in when the token has none", func(t *testing.T) {
		f := newFixture(t)
		f.token("g-tok", googleClaims(""))

		w := do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/",
			`{"idToken":"g-tok","user":{"id":"g123","name":"Body Name","photo":"https://example.com/p.png"}}`, "")
		resp := decodeSession(t, w, http.StatusOK)

		if resp.Data.User.Name != "Body Name" {
			t.Errorf("name: expected Body Name, got %q", resp.Data.User.Name)
		}
		if resp.Data.User.PhotoURL != "https://example.com/p.png" {
			t.Errorf("photoUrl: expected body photo, got %q", resp.Data.User.PhotoURL)
		}
	})

	t.Run("verified email merges with an Apple account", func(t *testing.T) {
		f := newFixture(t)
		apple := appleClaims()
		apple.Email = "shared@example.com"
		f.token("apple-ok", apple)
		g := googleClaims("")
		g.Email = "Shared@Example.com"
		f.token("g-tok", g)

		a := decodeSession(t, do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", `{"identityToken":"apple-ok"}`, ""), http.StatusOK)
		b := decodeSession(t, do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/", `{"idToken":"g-tok"}`, ""), http.StatusOK)

		if a.Data.User.ID != b.Data.User.ID {
			t.Errorf("expected merged user, got %s and %s", a.Data.User.ID, b.Data.User.ID)
		}
		if b.Data.User.AuthProvider != "google" {
			t.Errorf("authProvider: expected google, got %q", b.Data.User.AuthProvider)
		}
	})

	t.Run("verified sign-in claims an account registered under that email", func(t *testing.T) {
		f := newFixture(t)
		f.token("g-tok", googleClaims("Bea"))

		// Someone registers the address first, with a password of their own.
		squatter := decodeSession(t, do(http.HandlerFunc(f.h.Register), http.MethodPost, "/",
			`{"email":"b@example.com","password":"squatter pass"}`, ""), http.StatusCreated)
		// Revocation cutoffs have millisecond precision.
		time.Sleep(5 * time.Millisecond)

		owner := decodeSession(t, do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/", `{"idToken":"g-tok"}`, ""), http.StatusOK)
		if owner.Data.User.ID != squatter.Data.User.ID {
			t.Fatalf("expected the registered account, got %s", owner.Data.User.ID)
		}
		if n := len(f.rec.signIns); n == 0 || f.rec.signIns[n-1] != "google/claimed" {
			t.Errorf("expected google/claimed metric, got %v", f.rec.signIns)
		}

		login := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/", `{"email":"b@example.com","password":"squatter pass"}`, "")
		assertFail(t, login, http.StatusUnauthorized, "invalid_credentials")

		stale := do(f.h.RequireAuth(http.HandlerFunc(f.h.Validate)), http.MethodGet, "/", "", squatter.Data.Token)
		assertFail(t, stale, http.StatusUnauthorized, "unauthorized")
		refresh := do(http.HandlerFunc(f.h.Refresh), http.MethodPost, "/", `{"refreshToken":"`+squatter.Data.RefreshToken+`"}`, "")
		assertFail(t, refresh, http.StatusUnauthorized, "unauthorized")

		if w := do(f.h.RequireAuth(http.HandlerFunc(f.h.Validate)), http.MethodGet, "/", "", owner.Data.Token); w.Code != http.StatusOK {
			t.Errorf("owner's session: expected 200, got %d", w.Code)
		}
	})

	t.Run("claim fails closed when sessions cannot be revoked", func(t *testing.T) {
		f := newFixture(t)
		f.token("g-tok", googleClaims("Bea"))
		decodeSession(t, do(http.HandlerFunc(f.h.Register), http.MethodPost, "/",
			`{"email":"b@example.com","password":"squatter pass"}`, ""), http.StatusCreated)
		f.deny.RevokeErr = errors.New("redis: connection refused")

		w := do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/", `{"idToken":"g-tok"}`, "")
		assertFail(t, w, http.StatusServiceUnavailable, "session_store_unavailable")
	})

	t.Run("body user id differing from token subject returns 401", func(t *testing.T) {
		f := newFixture(t)
		f.token("g-tok", googleClaims("Bea"))
		w := do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/", `{"idToken":"g-tok","user":{"id":"g999"}}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_token")
	})

	t.Run("missing idToken returns 400", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/", `{"user":{"id":"g123"}}`, "")
		assertFail(t, w, http.StatusBadRequest, "invalid_request")
	})

	t.Run("verifier failure returns 401", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.err = apperr.Authentication("invalid_token", errors.New("jwks fetch timed out"))
		w := do(http.HandlerFunc(f.h.GoogleSignIn), http.MethodPost, "/", `{"idToken":"g-tok"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_token")
	})
}

// --- Register ---

func TestRegister(t *testing.T) {
	t.Run("creates an email account and returns 201", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.Register), http.MethodPost, "/api/auth/register",
			`{"email":" New@Example.com ","password":"correct horse","name":"Nia"}`, "")
		resp := decodeSession(t, w, http.StatusCreated)

		if resp.Data.User.AuthProvider != "email" {
			t.Errorf("authProvider: expected email, got %q", resp.Data.User.AuthProvider)
		}
		if resp.Data.User.Email != "new@example.com" {
			t.Errorf("email: expected normalized address, got %q", resp.Data.User.Email)
		}
		if resp.Data.User.Name != "Nia" {
			t.Errorf("name: expected Nia, got %q", resp.Data.User.Name)
		}
	})

	t.Run("duplicate email returns 409", func(t *testing.T) {
		f := newFixture(t)
		h := http.HandlerFunc(f.h.Register)
		decodeSession(t, do(h, http.MethodPost, "/", `{"email":"dup@example.com","password":"correct horse"}`, ""), http.StatusCreated)

		w := do(h, http.MethodPost, "/", `{"email":"DUP@example.com","password":"another pass"}`, "")
		assertFail(t, w, http.StatusConflict, "email_taken")
	})

	t.Run("invalid email returns 400", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.Register), http.MethodPost, "/", `{"email":"not-an-email","password":"correct horse"}`, "")
		assertFail(t, w, http.StatusBadRequest, "invalid_request")
	})

	t.Run("short password returns 400", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.Register), http.MethodPost, "/", `{"email":"a@example.com","password":"short"}`, "")
		assertFail(t, w, http.StatusBadRequest, "weak_password")
		if f.users.UserCount() != 0 {
			t.Errorf("expected no users, got %d", f.users.UserCount())
		}
	})
}

// --- Login ---

func TestLogin(t *testing.T) {
	register := func(t *testing.T, f *fixture) string {
		t.Helper()
		resp := decodeSession(t, do(http.HandlerFunc(f.h.Register), http.MethodPost, "/",
			`{"email":"login@example.com","password":"correct horse"}`, ""), http.StatusCreated)
		return resp.Data.User.ID
	}

	t.Run("correct password returns a session", func(t *testing.T) {
		f := newFixture(t)
		id := register(t, f)

		w := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/api/auth/login",
			`{"email":"LOGIN@example.com","password":"correct horse"}`, "")
		resp := decodeSession(t, w, http.StatusOK)
		if resp.Data.User.ID != id {
			t.Errorf("expected user %s, got %s", id, resp.Data.User.ID)
		}
	})

	t.Run("wrong password returns 401", func(t *testing.T) {
		f := newFixture(t)
		register(t, f)
		w := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/", `{"email":"login@example.com","password":"wrong horse"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_credentials")
	})

	t.Run("unknown email returns the same 401", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/", `{"email":"nobody@example.com","password":"whatever1"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_credentials")
	})

	t.Run("provider-only account returns 401", func(t *testing.T) {
		f := newFixture(t)
		f.token("apple-ok", appleClaims())
		decodeSession(t, do(http.HandlerFunc(f.h.AppleSignIn), http.MethodPost, "/", appleBody, ""), http.StatusOK)

		w := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/", `{"email":"a@example.com","password":"anything1"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_credentials")
	})

	t.Run("missing fields return 401", func(t *testing.T) {
		f := newFixture(t)
		w := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/", `{"email":"login@example.com"}`, "")
		assertFail(t, w, http.StatusUnauthorized, "invalid_credentials")
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		f := newFixture(t)
		f.users.GetUserByEmailErr = errors.New("db down")
		w := do(http.HandlerFunc(f.h.Login), http.MethodPost, "/", `{"email":"login@example.com","password":"correct horse"}`, "")
		assertFail(t, w, http.StatusInternalServerError, "internal_error")
	})
}

// --- CheckHealth ---

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		postgres   HealthChecker
		redis      HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"both healthy", stubHealth{}, stubHealth{}, http.StatusOK, `{"postgres":"ok","redis":"ok"}`},
		{"redis down", stubHealth{}, stubHealth{errors.New("refused")}, http.StatusServiceUnavailable, `{"postgres":"ok","redis":"error"}`},
		{"postgres down", stubHealth{errors.New("refused")}, stubHealth{}, http.StatusServiceUnavailable, `{"postgres":"error","redis":"ok"}`},
		{"redis not configured", stubHealth{}, nil, http.StatusOK, `{"postgres":"ok","redis":"disabled"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &AuthHandler{Postgres: tc.postgres, Redis: tc.redis}
			w := do(http.HandlerFunc(h.CheckHealth), http.MethodGet, "/health", "", "")

			if w.Code != tc.wantStatus {
				t.Errorf("status: expected %d, got %d", tc.wantStatus, w.Code)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tc.wantBody {
				t.Errorf("body: expected %s, got %s", tc.wantBody, got)
			}
		})
	}
}
