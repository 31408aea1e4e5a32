// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/policy"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage (all optional; in-memory when unset)
	DatabaseURL string
	RedisURL    string

	// Observability
	OTLPEndpoint string // OpenTelemetry collector, tracing disabled if empty

	// Model artifacts
	ModelPath  string
	ScalerPath string

	// Remote scorer (used instead of the local model when set)
	RemoteScorerURL     string
	RemoteScorerTimeout time.Duration
	RemoteScorerRPS     float64

	// Decision thresholds
	BlockThreshold    float64
	HoldThreshold     float64
	CriticalThreshold float64
	MediumThreshold   float64
	LowThreshold      float64

	// Features
	HighRiskCategories []string

	// Floor rule: z-score spike at a high-risk merchant
	FloorRuleEnabled bool
	FloorRuleZScore  float64
	FloorRuleMinimum float64

	// History retention, zero means unbounded
	HistoryMaxEntries int
	HistoryMaxAge     time.Duration

	// Collaborator delivery
	DeliveryTimeout time.Duration

	// Security
	RateLimitRPS int
	AdminSecret  string   // guards account unfreeze; admin routes disabled when empty
	CORSOrigins  []string // empty allows any origin without credentials
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultModelPath         = "models/fraud_model.json"
	DefaultScalerPath        = "models/scaler.json"
	DefaultRateLimit         = 100
	DefaultFloorZScore       = 3.0
	DefaultFloorMinimum      = 0.95
	DefaultHistoryMaxEntries = 1000
	DefaultHistoryMaxAge     = 90 * 24 * time.Hour
	DefaultDeliveryTimeout   = 5 * time.Second
	DefaultRemoteTimeout     = 2 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	th := policy.DefaultThresholds()
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ModelPath:           getEnv("MODEL_PATH", DefaultModelPath),
		ScalerPath:          getEnv("SCALER_PATH", DefaultScalerPath),
		RemoteScorerURL:     os.Getenv("REMOTE_SCORER_URL"),
		RemoteScorerTimeout: getEnvDuration("REMOTE_SCORER_TIMEOUT", DefaultRemoteTimeout),
		RemoteScorerRPS:     getEnvFloat("REMOTE_SCORER_RPS", 0),
		BlockThreshold:      getEnvFloat("BLOCK_THRESHOLD", th.Block),
		HoldThreshold:       getEnvFloat("HOLD_THRESHOLD", th.Hold),
		CriticalThreshold:   getEnvFloat("CRITICAL_THRESHOLD", th.Critical),
		MediumThreshold:     getEnvFloat("MEDIUM_THRESHOLD", th.Medium),
		LowThreshold:        getEnvFloat("LOW_THRESHOLD", th.Low),
		HighRiskCategories:  getEnvList("HIGH_RISK_CATEGORIES", strings.Join(features.DefaultHighRiskCategories, ",")),
		FloorRuleEnabled:    getEnvBool("FLOOR_RULE_ENABLED", true),
		FloorRuleZScore:     getEnvFloat("FLOOR_RULE_Z_SCORE", DefaultFloorZScore),
		FloorRuleMinimum:    getEnvFloat("FLOOR_RULE_MINIMUM", DefaultFloorMinimum),
		HistoryMaxEntries:   int(getEnvInt64("HISTORY_MAX_ENTRIES", DefaultHistoryMaxEntries)),
		HistoryMaxAge:       getEnvDuration("HISTORY_MAX_AGE", DefaultHistoryMaxAge),
		DeliveryTimeout:     getEnvDuration("DELIVERY_TIMEOUT", DefaultDeliveryTimeout),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         getEnvList("CORS_ORIGINS", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Thresholds returns the configured decision thresholds.
func (c *Config) Thresholds() policy.Thresholds {
	return policy.Thresholds{
		Block:    c.BlockThreshold,
		Hold:     c.HoldThreshold,
		Critical: c.CriticalThreshold,
		Medium:   c.MediumThreshold,
		Low:      c.LowThreshold,
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}

	if c.FloorRuleEnabled {
		if c.FloorRuleZScore <= 0 {
			return fmt.Errorf("FLOOR_RULE_Z_SCORE must be positive, got %v", c.FloorRuleZScore)
		}
		if c.FloorRuleMinimum < 0 || c.FloorRuleMinimum > 1 {
			return fmt.Errorf("FLOOR_RULE_MINIMUM must be within [0,1], got %v", c.FloorRuleMinimum)
		}
	}

	if c.HistoryMaxEntries < 0 {
		return fmt.Errorf("HISTORY_MAX_ENTRIES must not be negative")
	}
	if c.HistoryMaxAge < 0 {
		return fmt.Errorf("HISTORY_MAX_AGE must not be negative")
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.RemoteScorerURL != "" && !strings.HasPrefix(c.RemoteScorerURL, "http://") &&
		!strings.HasPrefix(c.RemoteScorerURL, "https://") {
		return fmt.Errorf("REMOTE_SCORER_URL must be an http(s) URL")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma-separated value, dropping blanks. Setting the
// variable to "-" yields an empty list.
func getEnvList(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	if value == "-" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
