package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime option the server recognizes. All options are
// environment-driven; Load validates required values once at startup.
type Config struct {
	DatabaseURL string
	DatabaseSSL string // "", "true" or "false"

	ListenAddr string

	SessionTTLIdle     time.Duration
	SessionTTLAbsolute time.Duration

	IngestRatePerSec float64
	IngestRateBurst  int

	EventDataMaxBytes int
	PasswordMinLength int
	DBSoftCapBytes    int64

	JWTSecret string

	AdminUsername string
	AdminPassword string

	CORSAllowedOrigins []string
}

var current = defaults()

func defaults() *Config {
	return &Config{
		ListenAddr:         ":3100",
		SessionTTLIdle:     24 * time.Hour,
		SessionTTLAbsolute: 30 * 24 * time.Hour,
		IngestRatePerSec:   100,
		IngestRateBurst:    500,
		EventDataMaxBytes:  64 * 1024,
		PasswordMinLength:  8,
	}
}

// Load reads the environment into the process-wide config. Missing required
// variables are a misconfiguration, not a runtime fault; callers exit 2.
func Load() (*Config, error) {
	cfg := defaults()

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg.DatabaseSSL = strings.ToLower(strings.TrimSpace(os.Getenv("DATABASE_SSL")))
	cfg.ListenAddr = getEnvDefault("LISTEN_ADDR", cfg.ListenAddr)

	cfg.SessionTTLIdle = getEnvDuration("SESSION_TTL_IDLE", cfg.SessionTTLIdle)
	cfg.SessionTTLAbsolute = getEnvDuration("SESSION_TTL_ABSOLUTE", cfg.SessionTTLAbsolute)

	cfg.IngestRatePerSec = getEnvFloat("INGEST_RATE_LIMIT_PER_SEC", cfg.IngestRatePerSec)
	cfg.IngestRateBurst = getEnvInt("INGEST_RATE_BURST", cfg.IngestRateBurst)
	cfg.EventDataMaxBytes = getEnvInt("EVENT_DATA_MAX_BYTES", cfg.EventDataMaxBytes)
	cfg.PasswordMinLength = getEnvInt("PASSWORD_MIN_LENGTH", cfg.PasswordMinLength)
	cfg.DBSoftCapBytes = int64(getEnvInt("DB_SOFT_CAP_BYTES", 0))

	cfg.AdminUsername = strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	current = cfg
	return cfg, nil
}

// Get returns the process-wide config. Tests overwrite fields directly.
func Get() *Config {
	return current
}

// Set replaces the process-wide config (test hook).
func Set(cfg *Config) {
	current = cfg
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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
