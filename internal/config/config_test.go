package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/telemetry")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/telemetry")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":3100", cfg.ListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTLIdle)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTLAbsolute)
	assert.Equal(t, float64(100), cfg.IngestRatePerSec)
	assert.Equal(t, 500, cfg.IngestRateBurst)
	assert.Equal(t, 64*1024, cfg.EventDataMaxBytes)
	assert.Equal(t, 8, cfg.PasswordMinLength)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/telemetry")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("SESSION_TTL_IDLE", "2h")
	t.Setenv("INGEST_RATE_LIMIT_PER_SEC", "5")
	t.Setenv("INGEST_RATE_BURST", "10")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTLIdle)
	assert.Equal(t, float64(5), cfg.IngestRatePerSec)
	assert.Equal(t, 10, cfg.IngestRateBurst)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)

	// Load publishes the result process-wide.
	assert.Same(t, cfg, Get())
}

func TestLoadIgnoresInvalidDurations(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/telemetry")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("SESSION_TTL_IDLE", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTLIdle)
}
