package secrets

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
)

// --- Helpers ---

// fakeStore serves values from a map and counts Access calls.
// block, when non-nil, holds every Access until closed.
type fakeStore struct {
	values map[string]string
	err    error
	calls  atomic.Int32
	block  chan struct{}
}

func (f *fakeStore) Access(ctx context.Context, name string) (string, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// --- Get ---

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches from store then serves from cache", func(t *testing.T) {
		fs := &fakeStore{values: map[string]string{"SESSION_SECRET": "from-store"}}
		p := NewProvider(fs, Options{LookupEnv: envFrom(nil)})

		for i := 0; i < 3; i++ {
			v, err := p.Get(ctx, "SESSION_SECRET")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if v != "from-store" {
				t.Errorf("value: expected from-store, got %q", v)
			}
		}
		if n := fs.calls.Load(); n != 1 {
			t.Errorf("store calls: expected 1, got %d", n)
		}
	})

	t.Run("refetches after ttl", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		fs := &fakeStore{values: map[string]string{"K": "v"}}
		p := NewProvider(fs, Options{TTL: time.Minute, Now: func() time.Time { return now }})

		if _, err := p.Get(ctx, "K"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		now = now.Add(2 * time.Minute)
		if _, err := p.Get(ctx, "K"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if n := fs.calls.Load(); n != 2 {
			t.Errorf("store calls: expected 2, got %d", n)
		}
	})

	t.Run("falls back to env when store fails", func(t *testing.T) {
		fs := &fakeStore{err: errors.New("unavailable")}
		p := NewProvider(fs, Options{LookupEnv: envFrom(map[string]string{"K": "from-env"})})

		v, err := p.Get(ctx, "K")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if v != "from-env" {
			t.Errorf("value: expected from-env, got %q", v)
		}
	})

	t.Run("falls back to env when store has no such secret", func(t *testing.T) {
		fs := &fakeStore{values: map[string]string{}}
		p := NewProvider(fs, Options{LookupEnv: envFrom(map[string]string{"K": "from-env"})})

		v, err := p.Get(ctx, "K")
		if err != nil || v != "from-env" {
			t.Fatalf("Get: expected from-env, got %q, %v", v, err)
		}
	})

	t.Run("nil store reads env only", func(t *testing.T) {
		p := NewProvider(nil, Options{LookupEnv: envFrom(map[string]string{"K": "env"})})
		v, err := p.Get(ctx, "K")
		if err != nil || v != "env" {
			t.Fatalf("Get: expected env, got %q, %v", v, err)
		}
	})

	t.Run("not found when neither source has it", func(t *testing.T) {
		fs := &fakeStore{err: errors.New("unavailable")}
		p := NewProvider(fs, Options{LookupEnv: envFrom(nil)})

		_, err := p.Get(ctx, "MISSING")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Errorf("kind: expected not_found, got %v", apperr.KindOf(err))
		}
	})

	t.Run("store fetch carries a timeout", func(t *testing.T) {
		fs := &fakeStore{block: make(chan struct{})}
		defer close(fs.block)
		p := NewProvider(fs, Options{
			FetchTimeout: 20 * time.Millisecond,
			LookupEnv:    envFrom(map[string]string{"K": "env"}),
		})

		v, err := p.Get(ctx, "K")
		if err != nil || v != "env" {
			t.Fatalf("expected env fallback after timeout, got %q, %v", v, err)
		}
	})

	t.Run("coalesces concurrent misses", func(t *testing.T) {
		fs := &fakeStore{values: map[string]string{"K": "v"}, block: make(chan struct{})}
		p := NewProvider(fs, Options{FetchTimeout: 5 * time.Second})

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := p.Get(ctx, "K"); err != nil {
					t.Errorf("Get: %v", err)
				}
			}()
		}
		// Give every goroutine time to join the in-flight call before releasing it.
		time.Sleep(50 * time.Millisecond)
		close(fs.block)
		wg.Wait()

		if n := fs.calls.Load(); n != 1 {
			t.Errorf("store calls: expected 1, got %d", n)
		}
	})
}

// --- GetMany ---

func TestGetMany(t *testing.T) {
	ctx := context.Background()

	t.Run("missing optional secrets are absent, not errors", func(t *testing.T) {
		fs := &fakeStore{values: map[string]string{"A": "a"}}
		p := NewProvider(fs, Options{LookupEnv: envFrom(map[string]string{"B": "b"})})

		got, err := p.GetMany(ctx, "A", "B", "C")
		if err != nil {
			t.Fatalf("GetMany: %v", err)
		}
		if got["A"] != "a" || got["B"] != "b" {
			t.Errorf("unexpected values: %v", got)
		}
		if _, ok := got["C"]; ok {
			t.Error("C should be absent")
		}
	})
}

// --- Invalidate ---

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{values: map[string]string{"K": "v1"}}
	p := NewProvider(fs, Options{})

	if _, err := p.Get(ctx, "K"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	fs.values["K"] = "v2"
	p.Invalidate("K")

	v, err := p.Get(ctx, "K")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "v2" {
		t.Errorf("expected v2 after invalidate, got %q", v)
	}
}
