// Package config loads tiergate configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/disputekit/tiergate/internal/cache"
	"github.com/disputekit/tiergate/internal/resolver"
)

// Config holds everything needed to build a resolver and its collaborators.
type Config struct {
	BaseURL         string
	EntitlementPath string
	SyncPath        string
	UsagePath       string
	SessionToken    string
	Identity        string // empty runs signed out against the cache only
	HTTPTimeout     time.Duration

	CacheBackend string
	CacheDir     string
	RedisURL     string

	PollInterval time.Duration
	MaxAttempts  int
	SyncEvery    int

	StripeAPIKey string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// SignedIn reports whether an identity is configured.
func (c *Config) SignedIn() bool {
	return c.Identity != ""
}

// CacheOptions maps the config onto the cache factory.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Backend:  c.CacheBackend,
		Scope:    c.Identity,
		Dir:      c.CacheDir,
		RedisURL: c.RedisURL,
	}
}

// ResolverConfig maps the config onto resolver tuning.
func (c *Config) ResolverConfig() resolver.Config {
	return resolver.Config{
		Interval:    c.PollInterval,
		MaxAttempts: c.MaxAttempts,
		SyncEvery:   c.SyncEvery,
	}
}

// Load reads configuration from the environment. envFile is loaded first
// when set; otherwise a .env in the working directory is loaded if present.
// Variables already in the environment win over file values.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best-effort .env loading (not required)
		_ = godotenv.Load()
	}

	httpTimeout, err := envOrDefaultDuration("TIERGATE_HTTP_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	pollInterval, err := envOrDefaultDuration("TIERGATE_POLL_INTERVAL", resolver.DefaultInterval)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := envOrDefaultInt("TIERGATE_MAX_ATTEMPTS", resolver.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	syncEvery, err := envOrDefaultInt("TIERGATE_SYNC_EVERY", resolver.DefaultSyncEvery)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:         strings.TrimSpace(os.Getenv("TIERGATE_BASE_URL")),
		EntitlementPath: strings.TrimSpace(os.Getenv("TIERGATE_ENTITLEMENT_PATH")),
		SyncPath:        strings.TrimSpace(os.Getenv("TIERGATE_SYNC_PATH")),
		UsagePath:       strings.TrimSpace(os.Getenv("TIERGATE_USAGE_PATH")),
		SessionToken:    strings.TrimSpace(os.Getenv("TIERGATE_SESSION_TOKEN")),
		Identity:        strings.TrimSpace(os.Getenv("TIERGATE_IDENTITY")),
		HTTPTimeout:     httpTimeout,
		CacheBackend:    strings.ToLower(envOrDefault("TIERGATE_CACHE_BACKEND", cache.BackendFile)),
		CacheDir:        envOrDefault("TIERGATE_CACHE_DIR", defaultCacheDir()),
		RedisURL:        strings.TrimSpace(os.Getenv("TIERGATE_REDIS_URL")),
		PollInterval:    pollInterval,
		MaxAttempts:     maxAttempts,
		SyncEvery:       syncEvery,
		StripeAPIKey:    strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "auto"),
		MetricsAddr:     strings.TrimSpace(os.Getenv("TIERGATE_METRICS_ADDR")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks required variables and value ranges.
func (c *Config) Validate() error {
	var missing []string
	if c.SignedIn() && c.BaseURL == "" {
		missing = append(missing, "TIERGATE_BASE_URL")
	}
	if c.CacheBackend == cache.BackendRedis && c.RedisURL == "" {
		missing = append(missing, "TIERGATE_REDIS_URL")
	}
	if (c.CacheBackend == cache.BackendFile || c.CacheBackend == cache.BackendSQLite) && c.CacheDir == "" {
		missing = append(missing, "TIERGATE_CACHE_DIR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.CacheBackend {
	case cache.BackendMemory, cache.BackendFile, cache.BackendSQLite, cache.BackendRedis:
	default:
		return fmt.Errorf("TIERGATE_CACHE_BACKEND must be one of memory, file, sqlite, redis, got %q", c.CacheBackend)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("TIERGATE_POLL_INTERVAL must be greater than 0, got %s", c.PollInterval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("TIERGATE_MAX_ATTEMPTS must be greater than 0, got %d", c.MaxAttempts)
	}
	if c.SyncEvery <= 0 {
		return fmt.Errorf("TIERGATE_SYNC_EVERY must be greater than 0, got %d", c.SyncEvery)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("TIERGATE_HTTP_TIMEOUT must be greater than 0, got %s", c.HTTPTimeout)
	}

	if c.BaseURL != "" {
		parsed, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("TIERGATE_BASE_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("TIERGATE_BASE_URL must use http or https scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("TIERGATE_BASE_URL must include a host")
		}
	}
	return nil
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return ""
	}
	return filepath.Join(dir, "tiergate")
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
