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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Model inference
	ModelEndpoint string        // HTTP endpoint for the fraud model (optional, uses stub if not set)
	ModelTimeout  time.Duration // Budget for a single model call

	// Decision pipeline
	DecisionBudget time.Duration // End-to-end latency budget for POST /v1/decision

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing disabled if not set)

	// Security
	AdminSecret  string // Admin API secret for ops endpoints (optional in development)
	RateLimitRPS int    // Fallback requests-per-second cap for unclassified sources

	// Detector drills
	SimulateOffHours bool // Force the off-hours heuristic on (ops drills only)
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRateLimit      = 100
	DefaultModelTimeout   = 40 * time.Millisecond
	DefaultDecisionBudget = 150 * time.Millisecond
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ModelEndpoint:    os.Getenv("MODEL_ENDPOINT"),
		ModelTimeout:     getEnvDuration("MODEL_TIMEOUT", DefaultModelTimeout),
		DecisionBudget:   getEnvDuration("DECISION_BUDGET", DefaultDecisionBudget),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		SimulateOffHours: getEnvBool("SIMULATE_OFF_HOURS", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// Missing optional settings fall back to defaults and never fail validation.
func (c *Config) Validate() error {
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be positive")
	}
	if c.DecisionBudget <= 0 {
		return fmt.Errorf("DECISION_BUDGET must be positive")
	}
	if c.ModelTimeout >= c.DecisionBudget {
		return fmt.Errorf("MODEL_TIMEOUT (%s) must be smaller than DECISION_BUDGET (%s)", c.ModelTimeout, c.DecisionBudget)
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
