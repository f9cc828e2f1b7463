package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "itinerary.db", cfg.SQLitePath)
	assert.Equal(t, "itinerary:", cfg.RedisPrefix)
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 90*24*time.Hour, cfg.EngagementTTL)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, slog.LevelInfo, cfg.Level())

	p := cfg.RetryPolicy()
	assert.Equal(t, 15*time.Minute, p.Base)
	assert.Equal(t, 6*time.Hour, p.Ceiling)
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ITINERARY_STORE", "redis")
	t.Setenv("ITINERARY_REDIS_ADDR", "cache:6380")
	t.Setenv("ITINERARY_REDIS_DB", "3")
	t.Setenv("ITINERARY_TICK_INTERVAL", "30s")
	t.Setenv("ITINERARY_LOG_LEVEL", "debug")
	t.Setenv("ITINERARY_PROVIDER_API_KEY", "re_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "re_test", cfg.ProviderAPIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"store", "ITINERARY_STORE", "postgres", "unknown store"},
		{"level", "ITINERARY_LOG_LEVEL", "loud", "invalid log level"},
		{"concurrency", "ITINERARY_CONCURRENCY", "0", "concurrency"},
		{"interval", "ITINERARY_TICK_INTERVAL", "0s", "tick interval"},
		{"unparseable", "ITINERARY_BATCH_SIZE", "many", "parse env"},
		{"key", "ITINERARY_ENCRYPTION_KEY", "c2hvcnQ=", "encryption key"},
		{"pattern", "ITINERARY_REDACT_FIELDS", "phone,(", "redact pattern"},
		{"ceiling", "ITINERARY_RETRY_CEILING", "0s", "retry ceiling"},
		{"base", "ITINERARY_RETRY_BASE", "0s", "retry base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMiddlewares(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	mws, err := cfg.Middlewares()
	require.NoError(t, err)
	assert.Empty(t, mws)

	t.Setenv("ITINERARY_ENCRYPTION_KEY", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	t.Setenv("ITINERARY_REDACT_FIELDS", "phone,ssn")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"phone", "ssn"}, cfg.RedactedFields)
	mws, err = cfg.Middlewares()
	require.NoError(t, err)
	assert.Len(t, mws, 2)
}
