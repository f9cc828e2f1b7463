// Package config loads process configuration for the itinerary daemon and CLI
// from ITINERARY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/persistence/middleware"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

// Storage backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config describes how to run itinerary.
type Config struct {
	LogLevel  string `env:"ITINERARY_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"ITINERARY_LOG_FORMAT" envDefault:"text"`

	Store         string        `env:"ITINERARY_STORE"          envDefault:"sqlite"`
	SQLitePath    string        `env:"ITINERARY_SQLITE_PATH"    envDefault:"itinerary.db"`
	RedisAddr     string        `env:"ITINERARY_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string        `env:"ITINERARY_REDIS_PASSWORD"`
	RedisDB       int           `env:"ITINERARY_REDIS_DB"`
	RedisPrefix   string        `env:"ITINERARY_REDIS_PREFIX"   envDefault:"itinerary:"`
	EngagementTTL time.Duration `env:"ITINERARY_ENGAGEMENT_TTL" envDefault:"2160h"`

	// EncryptionKey is a base64 AES-256 key; when set, contacts are stored
	// encrypted. FallbackKeys still decrypt during rotation.
	EncryptionKey  string   `env:"ITINERARY_ENCRYPTION_KEY"`
	FallbackKeys   []string `env:"ITINERARY_ENCRYPTION_FALLBACK_KEYS" envSeparator:","`
	RedactedFields []string `env:"ITINERARY_REDACT_FIELDS"            envSeparator:","`

	ProviderAPIKey   string `env:"ITINERARY_PROVIDER_API_KEY"`
	ProviderEndpoint string `env:"ITINERARY_PROVIDER_ENDPOINT"`
	From             string `env:"ITINERARY_FROM"`
	ReplyTo          string `env:"ITINERARY_REPLY_TO"`
	TemplatesDir     string `env:"ITINERARY_TEMPLATES_DIR"`

	TickInterval time.Duration `env:"ITINERARY_TICK_INTERVAL" envDefault:"1m"`
	Concurrency  int           `env:"ITINERARY_CONCURRENCY"   envDefault:"8"`
	BatchSize    int           `env:"ITINERARY_BATCH_SIZE"    envDefault:"500"`
	SendTimeout  time.Duration `env:"ITINERARY_SEND_TIMEOUT"  envDefault:"30s"`
	MaxAttempts  int           `env:"ITINERARY_MAX_ATTEMPTS"  envDefault:"5"`
	RetryBase    time.Duration `env:"ITINERARY_RETRY_BASE"    envDefault:"15m"`
	RetryCeiling time.Duration `env:"ITINERARY_RETRY_CEILING" envDefault:"6h"`

	HTTPAddr string `env:"ITINERARY_HTTP_ADDR" envDefault:":8080"`
	MCPAddr  string `env:"ITINERARY_MCP_ADDR"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honor.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want memory, sqlite or redis)", c.Store))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Middlewares(); err != nil {
		errs = append(errs, err)
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, errors.New("batch size must be at least 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.RetryBase <= 0 {
		errs = append(errs, errors.New("retry base must be positive"))
	}
	if c.RetryCeiling < c.RetryBase {
		errs = append(errs, errors.New("retry ceiling must not be below the retry base"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	l, _ := logging.ParseLevel(c.LogLevel)
	return l
}

// Logger builds the process logger.
func (c Config) Logger() *slog.Logger {
	return logging.NewWithFormat(os.Stderr, c.Level(), c.LogFormat)
}

// RetryPolicy converts the retry settings.
func (c Config) RetryPolicy() scheduler.RetryPolicy {
	return scheduler.RetryPolicy{
		Base:        c.RetryBase,
		Ceiling:     c.RetryCeiling,
		MaxAttempts: c.MaxAttempts,
	}
}

// Middlewares builds the repository middlewares the settings ask for:
// field redaction first, then encryption.
func (c Config) Middlewares() ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if len(c.RedactedFields) > 0 {
		for _, p := range c.RedactedFields {
			if _, err := regexp.Compile(p); err != nil {
				return nil, fmt.Errorf("redact pattern %q: %w", p, err)
			}
		}
		mws = append(mws, middleware.NewPIIMiddleware(c.RedactedFields))
	}
	if c.EncryptionKey == "" {
		return mws, nil
	}
	active, err := middleware.ParseKey(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	enc := middleware.EncryptionConfig{ActiveKey: active}
	for i, k := range c.FallbackKeys {
		key, err := middleware.ParseKey(k)
		if err != nil {
			return nil, fmt.Errorf("fallback key %d: %w", i, err)
		}
		enc.FallbackKeys = append(enc.FallbackKeys, key)
	}
	return append(mws, middleware.NewEncryptionMiddleware(enc)), nil
}
