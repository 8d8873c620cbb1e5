// Package config loads service configuration. Values come from process
// environment at bootstrap only; a production deployment injects them from
// its secrets source before the process starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"validahub-core/internal/idempotency"
)

// Config is everything the composition roots need.
type Config struct {
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string // empty selects the in-process rate limiter

	JWTSecret string
	JWTIssuer string

	IdempotencyTTL    time.Duration
	CompatMode        idempotency.CompatMode
	RateLimit         int
	RateWindow        time.Duration
	RateLimitFailOpen bool

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetention    time.Duration

	MaxRetryDepth int
	MaxFileBytes  int64

	AllowedOrigins []string
	TrustedHosts   []string
}

// Load reads configuration from the environment and validates the
// combinations that must not reach production.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		Port:     getEnv("APP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: getEnv("JWT_ISSUER", "validahub-core"),

		IdempotencyTTL:    getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimit:         getEnvInt("RATE_LIMIT", 60),
		RateWindow:        getEnvDuration("RATE_WINDOW", time.Minute),
		RateLimitFailOpen: getEnv("RATE_LIMIT_FAIL_OPEN", "true") == "true",

		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxAttempts:  getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxRetention:    getEnvDuration("OUTBOX_RETENTION", 7*24*time.Hour),

		MaxRetryDepth: getEnvInt("MAX_RETRY_DEPTH", 3),
		MaxFileBytes:  int64(getEnvInt("MAX_FILE_BYTES", 512<<20)),

		AllowedOrigins: splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		TrustedHosts:   splitCSV(os.Getenv("TRUSTED_HOSTS")),
	}

	switch getEnv("COMPAT_MODE", "canonicalize") {
	case "canonicalize":
		cfg.CompatMode = idempotency.CompatCanonicalize
	case "reject":
		cfg.CompatMode = idempotency.CompatReject
	default:
		return Config{}, fmt.Errorf("COMPAT_MODE must be canonicalize or reject")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.IsProduction() {
		for _, origin := range cfg.AllowedOrigins {
			if origin == "*" {
				return Config{}, fmt.Errorf("ALLOWED_ORIGINS must not contain * in production")
			}
		}
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
