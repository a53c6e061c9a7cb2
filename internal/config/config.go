// config.go

// Environment variable loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all env configuration vars for tollgate.
// Credentials are not here; they come from LoadSecrets.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// SecretProjectID enables Google Secret Manager as the secret store.
	// Empty means secrets resolve from the environment only.
	SecretProjectID string
	SecretCacheTTL  time.Duration

	// Session token lifetimes. Defaults: 720h (30d) access, 2160h (90d) refresh.
	SessionTTL time.Duration
	RefreshTTL time.Duration

	// Identity provider key fetching. Empty URLs use the providers' published endpoints.
	ProviderTimeout time.Duration
	AppleJWKSURL    string
	AppleKeysTTL    time.Duration
	GoogleJWKSURL   string

	// Per-IP token bucket on sign-in, register, login and refresh.
	// Defaults: 30/min sustained, burst 10.
	SignInRatePerMin int
	SignInRateBurst  int

	// Webhook retry queue and entitlement sweep.
	WebhookRetryMaxAttempts int
	WebhookRetryBaseDelay   time.Duration
	EntitlementSweepEvery   time.Duration
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	// Attempt to get port num, default to 7865
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.SecretProjectID = os.Getenv("SECRET_PROJECT_ID")
	cfg.SecretCacheTTL = envDuration("SECRET_CACHE_TTL", 5*time.Minute)

	cfg.SessionTTL = envDuration("SESSION_TTL", 720*time.Hour)
	cfg.RefreshTTL = envDuration("REFRESH_TTL", 2160*time.Hour)
	if cfg.RefreshTTL < cfg.SessionTTL {
		return nil, fmt.Errorf("REFRESH_TTL (%s) must not be shorter than SESSION_TTL (%s)", cfg.RefreshTTL, cfg.SessionTTL)
	}

	cfg.ProviderTimeout = envDuration("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.AppleJWKSURL = os.Getenv("APPLE_JWKS_URL")
	cfg.AppleKeysTTL = envDuration("APPLE_KEYS_TTL", 15*time.Minute)
	cfg.GoogleJWKSURL = os.Getenv("GOOGLE_JWKS_URL")

	cfg.SignInRatePerMin = envInt("SIGNIN_RATE_PER_MIN", 30)
	cfg.SignInRateBurst = envInt("SIGNIN_RATE_BURST", 10)

	cfg.WebhookRetryMaxAttempts = envInt("WEBHOOK_RETRY_MAX_ATTEMPTS", 5)
	cfg.WebhookRetryBaseDelay = envDuration("WEBHOOK_RETRY_BASE_DELAY", 30*time.Second)
	cfg.EntitlementSweepEvery = envDuration("ENTITLEMENT_SWEEP_INTERVAL", time.Hour)

	return cfg, nil
}

// MinSessionSecretLen matches the HS256 key length the session issuer requires.
const MinSessionSecretLen = 32

// Secrets holds credentials resolved through the secret provider.
type Secrets struct {
	SessionSecret   []byte
	GoogleClientIDs []string
	AppleClientIDs  []string

	// Apple authorization code exchange. All three set, or the exchange is disabled.
	AppleTeamID     string
	AppleKeyID      string
	ApplePrivateKey []byte

	// RevenueCatWebhookAuth is the expected Authorization header value.
	// Empty disables the check.
	RevenueCatWebhookAuth string
}

// AppleCodeExchangeEnabled reports whether team credentials are complete.
func (s *Secrets) AppleCodeExchangeEnabled() bool {
	return s.AppleTeamID != "" && s.AppleKeyID != "" && len(s.ApplePrivateKey) > 0
}

// SecretGetter resolves named secrets. Satisfied by *secrets.Provider.
type SecretGetter interface {
	Get(ctx context.Context, name string) (string, error)
	GetMany(ctx context.Context, names ...string) (map[string]string, error)
}

// LoadSecrets resolves the startup credentials. Required secrets fail the
// load; optional ones are fetched as a batch and may be absent.
func LoadSecrets(ctx context.Context, sg SecretGetter) (*Secrets, error) {
	s := &Secrets{}

	secret, err := sg.Get(ctx, "SESSION_SECRET")
	if err != nil {
		return nil, fmt.Errorf("SESSION_SECRET: %w", err)
	}
	if len(secret) < MinSessionSecretLen {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", MinSessionSecretLen)
	}
	s.SessionSecret = []byte(secret)

	google, err := sg.Get(ctx, "GOOGLE_CLIENT_IDS")
	if err != nil {
		return nil, fmt.Errorf("GOOGLE_CLIENT_IDS: %w", err)
	}
	s.GoogleClientIDs = splitList(google)

	apple, err := sg.Get(ctx, "APPLE_CLIENT_IDS")
	if err != nil {
		return nil, fmt.Errorf("APPLE_CLIENT_IDS: %w", err)
	}
	s.AppleClientIDs = splitList(apple)

	if len(s.GoogleClientIDs) == 0 || len(s.AppleClientIDs) == 0 {
		return nil, errors.New("GOOGLE_CLIENT_IDS and APPLE_CLIENT_IDS must each list at least one client id")
	}

	opt, err := sg.GetMany(ctx, "APPLE_TEAM_ID", "APPLE_KEY_ID", "APPLE_PRIVATE_KEY", "REVENUECAT_WEBHOOK_AUTH")
	if err != nil {
		return nil, fmt.Errorf("optional secrets: %w", err)
	}
	s.AppleTeamID = opt["APPLE_TEAM_ID"]
	s.AppleKeyID = opt["APPLE_KEY_ID"]
	// .p8 contents often arrive through env vars with escaped newlines.
	s.ApplePrivateKey = []byte(strings.ReplaceAll(opt["APPLE_PRIVATE_KEY"], `\n`, "\n"))
	if len(strings.TrimSpace(string(s.ApplePrivateKey))) == 0 {
		s.ApplePrivateKey = nil
	}
	s.RevenueCatWebhookAuth = opt["REVENUECAT_WEBHOOK_AUTH"]

	if !s.AppleCodeExchangeEnabled() && (s.AppleTeamID != "" || s.AppleKeyID != "" || s.ApplePrivateKey != nil) {
		slog.Warn("apple code exchange partially configured, disabled",
			"component", "config", "team_id_set", s.AppleTeamID != "", "key_id_set", s.AppleKeyID != "")
	}
	return s, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
