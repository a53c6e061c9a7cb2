// provider.go -- Cached secret resolution with environment fallback.
//
// Lookup order: in-process cache (TTL) -> secret store -> environment variable
// of the same name. Concurrent misses for one name share a single store fetch.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MGallo-Code/tollgate/internal/apperr"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when neither the store nor the environment holds the secret.
var ErrNotFound = errors.New("secret not found")

// Store is a remote secret store. Satisfied by *GCPStore.
// Implementations return ErrNotFound (wrapped is fine) for a missing secret.
type Store interface {
	Access(ctx context.Context, name string) (string, error)
}

// Source identifies where a resolved value came from; reported to the Recorder.
type Source string

const (
	SourceCache Source = "cache"
	SourceStore Source = "store"
	SourceEnv   Source = "env"
	SourceMiss  Source = "miss"
)

// Recorder receives one observation per lookup. Satisfied by *metrics.Collector.
type Recorder interface {
	RecordSecretLookup(source string)
}

// Options tunes a Provider. Zero values fall back to defaults.
type Options struct {
	TTL          time.Duration // cache lifetime, default 5m
	FetchTimeout time.Duration // per-fetch store timeout, default 5s
	Recorder     Recorder
	// LookupEnv defaults to os.LookupEnv; swapped in tests.
	LookupEnv func(string) (string, bool)
	// Now defaults to time.Now; swapped in tests.
	Now func() time.Time
}

type cached struct {
	value     string
	expiresAt time.Time
}

// Provider resolves named secrets. Safe for concurrent use.
type Provider struct {
	store        Store // nil means environment only
	ttl          time.Duration
	fetchTimeout time.Duration
	recorder     Recorder
	lookupEnv    func(string) (string, bool)
	now          func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
	group singleflight.Group
}

// NewProvider returns a Provider backed by store. A nil store resolves from the environment only.
func NewProvider(store Store, opts Options) *Provider {
	p := &Provider{
		store:        store,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		recorder:     opts.Recorder,
		lookupEnv:    opts.LookupEnv,
		now:          opts.Now,
		cache:        make(map[string]cached),
	}
	if p.ttl <= 0 {
		p.ttl = 5 * time.Minute
	}
	if p.fetchTimeout <= 0 {
		p.fetchTimeout = 5 * time.Second
	}
	if p.lookupEnv == nil {
		p.lookupEnv = os.LookupEnv
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Get returns the value of the named secret.
// Returns an apperr NotFound wrapping ErrNotFound when no source has it.
func (p *Provider) Get(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	c, ok := p.cache[name]
	p.mu.RUnlock()
	if ok && p.now().Before(c.expiresAt) {
		p.record(SourceCache)
		return c.value, nil
	}

	v, err, _ := p.group.Do(name, func() (any, error) {
		return p.resolve(ctx, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetMany resolves each name independently. Missing secrets are simply absent
// from the returned map; any other failure aborts the batch.
func (p *Provider) GetMany(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := p.Get(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("resolving secret %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Invalidate drops a cached value so the next Get refetches it.
func (p *Provider) Invalidate(name string) {
	p.mu.Lock()
	delete(p.cache, name)
	p.mu.Unlock()
}

// resolve does the store -> env walk for one name and caches the result.
func (p *Provider) resolve(ctx context.Context, name string) (string, error) {
	if p.store != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
		v, err := p.store.Access(fetchCtx, name)
		cancel()
		if err == nil {
			p.put(name, v)
			p.record(SourceStore)
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("secret store fetch failed, falling back to env",
				"component", "secrets", "name", name, "error", err)
		}
	}

	if v, ok := p.lookupEnv(name); ok && v != "" {
		p.put(name, v)
		p.record(SourceEnv)
		return v, nil
	}

	p.record(SourceMiss)
	return "", apperr.NotFound("secret_not_found", fmt.Errorf("%s: %w", name, ErrNotFound))
}

func (p *Provider) put(name, value string) {
	p.mu.Lock()
	p.cache[name] = cached{value: value, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
}

func (p *Provider) record(src Source) {
	if p.recorder != nil {
		p.recorder.RecordSecretLookup(string(src))
	}
}
