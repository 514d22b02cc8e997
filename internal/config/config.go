// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/holdpay/internal/retry"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBLockTimeout   time.Duration
	RedisURL        string // Idempotency cache (optional, uses in-memory if not set)
	IdempotencyTTL  time.Duration
	OTLPEndpoint    string
	ShutdownTimeout time.Duration

	// Admin API secret. Empty disables the admin routes.
	AdminSecret string

	// HTTP edge
	RateLimitPerMinute int // 0 disables rate limiting
	RateLimitBurst     int
	CORSOrigins        []string

	// Settlement
	HoldWindow            time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	ReleaseWorkers        int
	ReleaseMaxAttempts    int
	ReleaseBackoff        retry.Schedule
	ReleaseAttemptTimeout time.Duration
	ReconcileInterval     time.Duration

	// Risk
	RiskDecayInterval      time.Duration
	RiskDecayStep          int
	LargeTransferThreshold decimal.Decimal
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultDBLockTimeout          = 5 * time.Second
	DefaultIdempotencyTTL         = 24 * time.Hour
	DefaultShutdownTimeout        = 30 * time.Second
	DefaultRateLimitPerMinute     = 120
	DefaultRateLimitBurst         = 20
	DefaultHoldWindow             = 20 * time.Minute
	DefaultSweepInterval          = time.Minute
	DefaultSweepBatchSize         = 100
	DefaultReleaseWorkers         = 4
	DefaultReleaseMaxAttempts     = 5
	DefaultReleaseBackoff         = "30s,60s,120s"
	DefaultReleaseAttemptTimeout  = 60 * time.Second
	DefaultReconcileInterval      = 5 * time.Minute
	DefaultRiskDecayInterval      = 7 * 24 * time.Hour
	DefaultRiskDecayStep          = 2
	DefaultLargeTransferThreshold = "5000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	backoff, err := retry.ParseSchedule(getEnv("RELEASE_BACKOFF", DefaultReleaseBackoff))
	if err != nil {
		return nil, fmt.Errorf("RELEASE_BACKOFF: %w", err)
	}
	threshold, err := decimal.NewFromString(getEnv("LARGE_TRANSFER_THRESHOLD", DefaultLargeTransferThreshold))
	if err != nil {
		return nil, fmt.Errorf("LARGE_TRANSFER_THRESHOLD: %w", err)
	}

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DBLockTimeout:          getEnvDuration("DB_LOCK_TIMEOUT", DefaultDBLockTimeout),
		RedisURL:               os.Getenv("REDIS_URL"),
		IdempotencyTTL:         getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitPerMinute:     int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:            getEnvList("CORS_ORIGINS"),
		HoldWindow:             getEnvDuration("HOLD_WINDOW", DefaultHoldWindow),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:         int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		ReleaseWorkers:         int(getEnvInt64("RELEASE_WORKERS", DefaultReleaseWorkers)),
		ReleaseMaxAttempts:     int(getEnvInt64("RELEASE_MAX_ATTEMPTS", DefaultReleaseMaxAttempts)),
		ReleaseBackoff:         backoff,
		ReleaseAttemptTimeout:  getEnvDuration("RELEASE_ATTEMPT_TIMEOUT", DefaultReleaseAttemptTimeout),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RiskDecayInterval:      getEnvDuration("RISK_DECAY_INTERVAL", DefaultRiskDecayInterval),
		RiskDecayStep:          int(getEnvInt64("RISK_DECAY_STEP", DefaultRiskDecayStep)),
		LargeTransferThreshold: threshold,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.HoldWindow <= 0 {
		return fmt.Errorf("HOLD_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.ReleaseWorkers <= 0 {
		return fmt.Errorf("RELEASE_WORKERS must be positive")
	}
	if c.ReleaseMaxAttempts <= 0 {
		return fmt.Errorf("RELEASE_MAX_ATTEMPTS must be positive")
	}
	if c.ReleaseAttemptTimeout <= 0 {
		return fmt.Errorf("RELEASE_ATTEMPT_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}
	if c.RiskDecayStep < 0 {
		return fmt.Errorf("RISK_DECAY_STEP must not be negative")
	}
	if !c.LargeTransferThreshold.IsPositive() {
		return fmt.Errorf("LARGE_TRANSFER_THRESHOLD must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
