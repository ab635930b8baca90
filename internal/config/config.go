// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional balance read cache

	// Event streaming (optional)
	KafkaBrokers string // Comma-separated broker list
	KafkaTopic   string

	// Payment gateway
	GatewayBaseURL string
	GatewaySecret  string // Bearer secret for gateway API calls
	WebhookSecret  string // HMAC secret for inbound payment webhooks

	// Notifications (optional outbound push endpoint)
	NotifyEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string

	// Money settings (initial snapshot; swappable at runtime via admin API)
	ProSharePercent          int
	InstantCashoutFeePercent int
	CancellationFeePercent   int
	HoldDays                 int
	AutoReleaseEnabled       bool
	AutoReleaseInterval      time.Duration
	AutoReleaseBatch         int
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateLimit           = 100
	DefaultProShare            = 75
	DefaultInstantCashoutFee   = 3
	DefaultCancellationFee     = 10
	DefaultHoldDays            = 7
	DefaultAutoReleaseInterval = time.Minute
	DefaultAutoReleaseBatch    = 500
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:                 os.Getenv("REDIS_URL"),
		KafkaBrokers:             os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "walletcore.events"),
		GatewayBaseURL:           os.Getenv("GATEWAY_BASE_URL"),
		GatewaySecret:            os.Getenv("GATEWAY_SECRET"),
		WebhookSecret:            os.Getenv("WEBHOOK_SECRET"),
		NotifyEndpoint:           os.Getenv("NOTIFY_ENDPOINT"),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:             getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProSharePercent:          getEnvInt("PRO_SHARE_PERCENT", DefaultProShare),
		InstantCashoutFeePercent: getEnvInt("INSTANT_CASHOUT_FEE_PERCENT", DefaultInstantCashoutFee),
		CancellationFeePercent:   getEnvInt("CANCELLATION_FEE_PERCENT", DefaultCancellationFee),
		HoldDays:                 getEnvInt("HOLD_DAYS", DefaultHoldDays),
		AutoReleaseEnabled:       getEnvBool("AUTO_RELEASE_ENABLED", true),
		AutoReleaseInterval:      getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval),
		AutoReleaseBatch:         getEnvInt("AUTO_RELEASE_BATCH", DefaultAutoReleaseBatch),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.ProSharePercent < 0 || c.ProSharePercent > 100 {
		return fmt.Errorf("PRO_SHARE_PERCENT must be between 0 and 100, got %d", c.ProSharePercent)
	}
	if c.InstantCashoutFeePercent < 0 || c.InstantCashoutFeePercent > 100 {
		return fmt.Errorf("INSTANT_CASHOUT_FEE_PERCENT must be between 0 and 100, got %d", c.InstantCashoutFeePercent)
	}
	if c.CancellationFeePercent < 0 || c.CancellationFeePercent > 100 {
		return fmt.Errorf("CANCELLATION_FEE_PERCENT must be between 0 and 100, got %d", c.CancellationFeePercent)
	}
	if c.HoldDays < 0 {
		return fmt.Errorf("HOLD_DAYS must not be negative, got %d", c.HoldDays)
	}
	if c.AutoReleaseBatch <= 0 {
		return fmt.Errorf("AUTO_RELEASE_BATCH must be positive, got %d", c.AutoReleaseBatch)
	}
	if c.GatewayBaseURL != "" && c.GatewaySecret == "" {
		return fmt.Errorf("GATEWAY_SECRET is required when GATEWAY_BASE_URL is set")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
