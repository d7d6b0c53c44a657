// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Currency registry
	CurrenciesFile string

	// Webhooks. WebhooksFile wins over the single WebhookURL endpoint.
	WebhooksFile        string
	WebhookURL          string
	WebhookSecret       string
	WebhookAllowPrivate bool

	// Reconciliation worker
	PollInterval    time.Duration
	PollConcurrency int

	// Security
	APIKey       string // Required on /v1 when set
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultCurrenciesFile  = "currencies.yaml"
	DefaultPollInterval    = 15 * time.Second
	DefaultPollConcurrency = 4
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CurrenciesFile:      getEnv("CURRENCIES_FILE", DefaultCurrenciesFile),
		WebhooksFile:        os.Getenv("WEBHOOKS_FILE"),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookAllowPrivate: getEnvBool("WEBHOOK_ALLOW_PRIVATE", false),
		PollConcurrency:     int(getEnvInt64("POLL_CONCURRENCY", DefaultPollConcurrency)),
		APIKey:              os.Getenv("API_KEY"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	interval, err := getEnvDuration("POLL_INTERVAL", DefaultPollInterval)
	if err != nil {
		return nil, err
	}
	cfg.PollInterval = interval

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CurrenciesFile == "" {
		return fmt.Errorf("CURRENCIES_FILE is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.PollConcurrency < 1 {
		return fmt.Errorf("POLL_CONCURRENCY must be at least 1")
	}
	if (c.WebhookURL == "") != (c.WebhookSecret == "") && c.WebhooksFile == "" {
		return fmt.Errorf("WEBHOOK_URL and WEBHOOK_SECRET must be set together")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.IsProduction() && c.APIKey == "" {
		return fmt.Errorf("API_KEY is required in production")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
