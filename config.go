package authfront

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Defaults applied by NewClient to zero-valued Config fields.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultTokenRefreshSkew = 30 * time.Second
	DefaultVerificationTTL  = 15 * time.Minute
	DefaultResendCooldown   = 60 * time.Second
	DefaultConfigCacheTTL   = 5 * time.Minute
	DefaultStateNamespace   = "default"
)

// Config holds connection and behavior configuration.
type Config struct {
	// BaseURL is the address of the REST backend, e.g. "https://auth.example.com".
	BaseURL string `env:"AUTHFRONT_BASE_URL" toml:"base_url"`

	// Timeout bounds every HTTP request, including renewal. Default: 10 seconds.
	Timeout time.Duration `env:"AUTHFRONT_TIMEOUT" toml:"timeout"`

	// TokenRefreshSkew is how long before its known expiry an access credential is
	// renewed before dispatch. Default: 30 seconds.
	TokenRefreshSkew time.Duration `env:"AUTHFRONT_TOKEN_REFRESH_SKEW" toml:"token_refresh_skew"`

	// VerificationTTL is how long a verification flow stays active. Default: 15 minutes.
	VerificationTTL time.Duration `env:"AUTHFRONT_VERIFICATION_TTL" toml:"verification_ttl"`

	// ResendCooldown is the minimum time between two resend requests. Default: 60 seconds.
	ResendCooldown time.Duration `env:"AUTHFRONT_RESEND_COOLDOWN" toml:"resend_cooldown"`

	// ConfigCacheTTL is used when the server does not send a cache duration. Default: 5 minutes.
	ConfigCacheTTL time.Duration `env:"AUTHFRONT_CONFIG_CACHE_TTL" toml:"config_cache_ttl"`

	// StateNamespace separates the durable state of independent front-ends ("tabs")
	// sharing one store.
	StateNamespace string `env:"AUTHFRONT_STATE_NAMESPACE" toml:"state_namespace"`

	// StatePath is the bbolt file used by the CLI for durable state.
	StatePath string `env:"AUTHFRONT_STATE_PATH" toml:"state_path"`

	// RedisAddr selects the Redis state store when set.
	RedisAddr string `env:"AUTHFRONT_REDIS_ADDR" toml:"redis_addr"`

	// MetricsEnabled registers Prometheus metrics.
	MetricsEnabled bool `env:"AUTHFRONT_METRICS_ENABLED" toml:"metrics_enabled"`
}

// LoadConfig returns a Config populated from environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("authfront: load config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns c with zero-valued fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TokenRefreshSkew == 0 {
		c.TokenRefreshSkew = DefaultTokenRefreshSkew
	}
	if c.VerificationTTL == 0 {
		c.VerificationTTL = DefaultVerificationTTL
	}
	if c.ResendCooldown == 0 {
		c.ResendCooldown = DefaultResendCooldown
	}
	if c.ConfigCacheTTL == 0 {
		c.ConfigCacheTTL = DefaultConfigCacheTTL
	}
	if c.StateNamespace == "" {
		c.StateNamespace = DefaultStateNamespace
	}
	return c
}
