package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/tollgate/internal/auth"
	"github.com/MGallo-Code/tollgate/internal/config"
	"github.com/MGallo-Code/tollgate/internal/directory"
	"github.com/MGallo-Code/tollgate/internal/entitlement"
	"github.com/MGallo-Code/tollgate/internal/identity"
	"github.com/MGallo-Code/tollgate/internal/metrics"
	"github.com/MGallo-Code/tollgate/internal/secrets"
	"github.com/MGallo-Code/tollgate/internal/session"
	"github.com/MGallo-Code/tollgate/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb, verifiers) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// One registry per run so tests can start several servers in one process.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	// Secrets: Secret Manager when a project is configured, environment otherwise.
	var secretStore secrets.Store
	if cfg.SecretProjectID != "" {
		gcp, err := secrets.NewGCPStore(ctx, cfg.SecretProjectID)
		if err != nil {
			return fmt.Errorf("failed to set up secret manager: %w", err)
		}
		defer gcp.Close()
		secretStore = gcp
	}
	sp := secrets.NewProvider(secretStore, secrets.Options{
		TTL:          cfg.SecretCacheTTL,
		FetchTimeout: cfg.ProviderTimeout,
		Recorder:     m,
	})
	sec, err := config.LoadSecrets(ctx, sp)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	// Create new postgres store, return errors if any
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	// Close at end of run func
	defer ps.Close()

	// Run database migrations
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create shared Redis client; the denylist and retry queue share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()
	rs := store.NewRedisStore(rdb)

	issuer, err := session.NewIssuer(sec.SessionSecret, session.Options{
		AccessTTL:  cfg.SessionTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to set up session issuer: %w", err)
	}

	// Identity verifiers. The Apple key set refreshes in the background until Close.
	apple, err := identity.NewAppleVerifier(ctx, identity.AppleConfig{
		ClientIDs: sec.AppleClientIDs,
		JWKSURL:   cfg.AppleJWKSURL,
		KeysTTL:   cfg.AppleKeysTTL,
		Timeout:   cfg.ProviderTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to set up apple verifier: %w", err)
	}
	defer apple.Close()
	google, err := identity.NewGoogleVerifier(identity.GoogleConfig{
		ClientIDs: sec.GoogleClientIDs,
		JWKSURL:   cfg.GoogleJWKSURL,
		Timeout:   cfg.ProviderTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to set up google verifier: %w", err)
	}
	verifiers := identity.NewRegistry(map[identity.Provider]identity.Verifier{
		identity.ProviderApple:  apple,
		identity.ProviderGoogle: google,
	})

	// Create AuthHandler
	dir := directory.New(ps, directory.WithSessionRevoker(session.UserRevoker{Issuer: issuer, Denylist: rs}))
	ents := entitlement.NewService(ps, dir, entitlement.Options{Recorder: m})
	retry := entitlement.NewRetryQueue(rdb, ents, entitlement.RetryOptions{
		MaxAttempts: cfg.WebhookRetryMaxAttempts,
		BaseDelay:   cfg.WebhookRetryBaseDelay,
		Recorder:    m,
	})
	h := &auth.AuthHandler{
		Verifier:     verifiers,
		Users:        dir,
		Sessions:     issuer,
		Denylist:     rs,
		Entitlements: ents,
		Retry:        retry,
		WebhookAuth:  sec.RevenueCatWebhookAuth,
		Policy:       auth.PasswordPolicy{MinLength: 8, MaxLength: 128},
		Metrics:      m,
		Postgres:     ps,
		Redis:        rs,
	}
	if sec.AppleCodeExchangeEnabled() {
		ex, err := identity.NewAppleCodeExchanger(identity.AppleCodeConfig{
			ClientID:   sec.AppleClientIDs[0],
			TeamID:     sec.AppleTeamID,
			KeyID:      sec.AppleKeyID,
			PrivateKey: sec.ApplePrivateKey,
			Timeout:    cfg.ProviderTimeout,
		}, apple)
		if err != nil {
			return fmt.Errorf("failed to set up apple code exchange: %w", err)
		}
		h.AppleCode = ex
	}
	if h.WebhookAuth == "" {
		slog.Warn("REVENUECAT_WEBHOOK_AUTH not set, webhook authorization disabled")
	}

	limiter := auth.NewIPRateLimiter(auth.RateLimitConfig{
		PerMinute: cfg.SignInRatePerMin,
		Burst:     cfg.SignInRateBurst,
	}, m)

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, limiter, metrics.Handler(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background workers: webhook retries, entitlement expiry, limiter cleanup.
	// Cancelled via bgCtx when run() returns.
	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	go retry.StartWorker(bgCtx)
	go ents.StartSweeper(bgCtx, cfg.EntitlementSweepEvery)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Sweep()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("tollgate listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// server.Shutdown stops accepting new conns, then waits for in-flight
	// requests; it returns an error if the timeout hits first.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, limiter *auth.IPRateLimiter, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/auth", func(r chi.Router) {
		// Unauthenticated credential endpoints share the per-IP bucket.
		r.With(limiter.Middleware("apple")).Post("/apple", h.AppleSignIn)
		r.With(limiter.Middleware("google")).Post("/google", h.GoogleSignIn)
		r.With(limiter.Middleware("register")).Post("/register", h.Register)
		r.With(limiter.Middleware("login")).Post("/login", h.Login)
		r.With(limiter.Middleware("refresh")).Post("/refresh", h.Refresh)

		// Authentication required routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/validate", h.Validate)
			r.Put("/profile", h.UpdateProfile)
			r.Post("/logout", h.Logout)
		})
	})

	r.With(h.RequireAuth).Get("/api/subscription/status", h.SubscriptionStatus)

	// Premium routes: an active entitlement is required on top of a session.
	r.Route("/api/premium", func(r chi.Router) {
		r.Use(h.RequireAuth, h.RequireEntitlement)
		r.Get("/entitlement", h.PremiumEntitlement)
	})

	r.Post("/webhooks/revenuecat", h.RevenueCatWebhook)

	return r
}
