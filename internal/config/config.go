// Package config holds the gateway's immutable runtime parameters.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the gateway's runtime configuration. It is loaded once at
// startup and never mutated. That includes the one diagnostic switch,
// DebugHTTP: it is read from the environment at startup and cannot be
// toggled while the process runs. There is no body-capture switch.
type Config struct {
	// Listener
	BindAddress string
	Port        int

	// Upstream
	BaseURL string

	// OAuth
	OAuthClientID string
	OAuthTokenURL string

	// Account store
	AccountStoreDriver string // "file" or "sqlite"
	AccountStorePath   string
	TokenEncryptionKey string

	// Scheduling / cooldowns
	CooldownSeconds     int
	AuthFailureCooldown time.Duration
	MaxRetryPasses      int

	// Upstream request handling
	RequestTimeout      time.Duration
	UpstreamMaxRetries  int
	UpstreamRetryBase   time.Duration
	UpstreamRetryMax    time.Duration
	UpstreamRetryJitter time.Duration

	// Auth behavior
	OverrideAuth bool

	// Observability
	LogLevel  string
	DebugHTTP bool
}

// Load builds a Config from the environment, applying the defaults from
// spec.md §6/§9.
func Load() *Config {
	return &Config{
		BindAddress: envOr("GATEWAY_BIND_ADDRESS", "127.0.0.1"),
		Port:        envInt("GATEWAY_PORT", 4319),

		BaseURL: envOr("GATEWAY_BASE_URL", "https://chatgpt.com/backend-api/codex"),

		OAuthClientID: envOr("GATEWAY_OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
		OAuthTokenURL: envOr("GATEWAY_OAUTH_TOKEN_URL", "https://auth.openai.com/oauth/token"),

		AccountStoreDriver: envOr("GATEWAY_ACCOUNT_STORE_DRIVER", "file"),
		AccountStorePath:   envOr("GATEWAY_ACCOUNT_STORE_PATH", "./gateway-accounts"),
		TokenEncryptionKey: os.Getenv("GATEWAY_TOKEN_ENCRYPTION_KEY"),

		CooldownSeconds:     envInt("GATEWAY_COOLDOWN_SECONDS", 900),
		AuthFailureCooldown: envDurationMS("GATEWAY_AUTH_FAILURE_COOLDOWN_MS", 60_000),
		MaxRetryPasses:      envInt("GATEWAY_MAX_RETRY_PASSES", 1),

		RequestTimeout:      envDurationMS("GATEWAY_REQUEST_TIMEOUT_MS", 120_000),
		UpstreamMaxRetries:  envInt("GATEWAY_UPSTREAM_MAX_RETRIES", 2),
		UpstreamRetryBase:   envDurationMS("GATEWAY_UPSTREAM_RETRY_BASE_MS", 200),
		UpstreamRetryMax:    envDurationMS("GATEWAY_UPSTREAM_RETRY_MAX_MS", 2000),
		UpstreamRetryJitter: envDurationMS("GATEWAY_UPSTREAM_RETRY_JITTER_MS", 120),

		OverrideAuth: envBool("GATEWAY_OVERRIDE_AUTH", true),

		LogLevel:  envOr("GATEWAY_LOG_LEVEL", "info"),
		DebugHTTP: envBool("GATEWAY_DEBUG_HTTP", false),
	}
}

// Validate checks invariants that Load cannot enforce via defaults alone.
func (c *Config) Validate() error {
	if c.AccountStoreDriver != "file" && c.AccountStoreDriver != "sqlite" {
		return fmt.Errorf("invalid account store driver %q", c.AccountStoreDriver)
	}
	if c.MaxRetryPasses < 0 {
		return fmt.Errorf("max retry passes must be >= 0")
	}
	if c.UpstreamMaxRetries < 0 {
		return fmt.Errorf("upstream max retries must be >= 0")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDurationMS reads an env var as a count of milliseconds.
func envDurationMS(key string, fallbackMS int) time.Duration {
	ms := envInt(key, fallbackMS)
	return time.Duration(ms) * time.Millisecond
}
