// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/poisonguard/internal/decision"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Analysis
	ParamsFile      string // optional params document overriding the engine defaults
	AnalysisWorkers int
	AnalysisTimeout time.Duration
	MaxTransactions int
	MaxAnchors      int

	// Security
	RateLimitRPM int

	// Alerts
	KafkaBrokers    []string // empty means alerts go to the log
	KafkaAlertTopic string
	AlertMinAction  decision.Action

	// Tracing
	OTLPEndpoint string // empty disables tracing
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultAnalysisWorkers = 8
	DefaultAnalysisTimeout = 10 * time.Second
	DefaultMaxTransactions = 50000
	DefaultMaxAnchors      = 10000
	DefaultRateLimit       = 120
	DefaultAlertTopic      = "poisonguard.alerts"
	DefaultAlertMinAction  = decision.ActionWarning
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ParamsFile:      os.Getenv("PARAMS_FILE"),
		AnalysisWorkers: int(getEnvInt64("ANALYSIS_WORKERS", DefaultAnalysisWorkers)),
		AnalysisTimeout: time.Duration(getEnvInt64("ANALYSIS_TIMEOUT_MS", DefaultAnalysisTimeout.Milliseconds())) * time.Millisecond,
		MaxTransactions: int(getEnvInt64("MAX_TRANSACTIONS", DefaultMaxTransactions)),
		MaxAnchors:      int(getEnvInt64("MAX_ANCHORS", DefaultMaxAnchors)),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		KafkaBrokers:    getEnvList("KAFKA_BROKERS"),
		KafkaAlertTopic: getEnv("KAFKA_ALERT_TOPIC", DefaultAlertTopic),
		AlertMinAction:  decision.Action(strings.ToUpper(getEnv("ALERT_MIN_ACTION", string(DefaultAlertMinAction)))),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
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
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.AnalysisWorkers < 1 {
		return fmt.Errorf("ANALYSIS_WORKERS must be at least 1")
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT_MS must be positive")
	}
	if c.MaxTransactions < 1 || c.MaxAnchors < 1 {
		return fmt.Errorf("MAX_TRANSACTIONS and MAX_ANCHORS must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	switch c.AlertMinAction {
	case decision.ActionPass, decision.ActionReminder, decision.ActionWarning, decision.ActionBlock:
	default:
		return fmt.Errorf("ALERT_MIN_ACTION must be one of PASS, REMINDER, WARNING, BLOCK")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAlertTopic == "" {
		return fmt.Errorf("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set")
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

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
