// Package config loads runtime settings from the environment, applies
// defaults and validates the result.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst int `env:"BURST" envDefault:"5"`
	// RefillSeconds is the time, in seconds, to refill a full burst.
	RefillSeconds int `env:"REFILL_INTERVAL" envDefault:"1"`
}

// RefillInterval returns the burst refill period.
func (r RateLimitConfig) RefillInterval() time.Duration {
	return time.Duration(r.RefillSeconds) * time.Second
}

// StoreConfig selects and locates the durable store.
type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER" envDefault:"sqlite" validate:"oneof=memory sqlite postgres redis badger"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"realmchat.db" validate:"required_if=Driver sqlite"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Driver postgres"`
	RedisURL    string `env:"REDIS_URL" validate:"required_if=Driver redis"`
	BadgerPath  string `env:"BADGER_PATH" envDefault:"data/badger" validate:"required_if=Driver badger"`
}

// PipelineConfig tunes write batching.
type PipelineConfig struct {
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"10" validate:"min=1,max=1000"`
	BatchDelay time.Duration `env:"BATCH_DELAY" envDefault:"500ms" validate:"gt=0"`
}

// HistoryConfig tunes the channel history cache.
type HistoryConfig struct {
	TTL   time.Duration `env:"HISTORY_TTL" envDefault:"60s" validate:"gt=0"`
	Depth int           `env:"HISTORY_DEPTH" envDefault:"50" validate:"min=1,max=500"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Env             string          `env:"APP_ENV" envDefault:"development" validate:"oneof=development test production"`
	LogLevel        string          `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	Port            string          `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins  []string        `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize  int64           `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	JWTSecret       string          `env:"JWT_SECRET" validate:"required,min=16"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RateLimit       RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Store           StoreConfig
	Pipeline        PipelineConfig
	History         HistoryConfig
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads configuration from the process environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFrom reads configuration from the given variables only.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	sanitize(cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewConfig creates a Config populated with default values for every setting
// except the JWT secret.
func NewConfig() *Config {
	cfg := &Config{}
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	sanitize(cfg)
	return cfg
}

func sanitize(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillSeconds <= 0 {
		cfg.RateLimit.RefillSeconds = 1
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.AllowedOrigins = NormalizeOrigins(cfg.AllowedOrigins)
}

// NormalizeOrigins trims, lower-cases and de-duplicates origins, keeping
// only scheme://host pairs and the "*" wildcard.
func NormalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed != "*" {
			var ok bool
			if trimmed, ok = NormalizeOrigin(trimmed); !ok {
				continue
			}
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

// NormalizeOrigin reduces an origin to lower-case scheme://host.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
