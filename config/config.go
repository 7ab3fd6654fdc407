/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Semantic cache configuration: embedding model, store
             credentials, similarity threshold, TTL, replay pacing.
Root Cause:  Cache needs validated config before any store or
             provider call is attempted.
Context:     Mirrors the aggregated-validation pattern used across
             the cache's sibling stores.
Suitability: L4 model used for credential-handling config design.
──────────────────────────────────────────────────────────────
*/

// Package config loads and validates semcache's configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// CacheMode controls whether a lookup reads cached entries.
type CacheMode string

const (
	// ModeDefault reads the cache and writes back on miss.
	ModeDefault CacheMode = "default"
	// ModeRefresh always bypasses the read, but still writes back.
	ModeRefresh CacheMode = "refresh"
)

// StreamPacing controls delays used to simulate a live token stream
// when replaying a cached response.
type StreamPacing struct {
	Enabled          bool
	InitialDelayInMs int
	ChunkDelayInMs   int
}

// IntentExtractorConfig configures the intent-variant's extractor LLM.
type IntentExtractorConfig struct {
	Model      string
	WindowSize int
	Prompt     string
}

// Config holds all semcache configuration values.
type Config struct {
	// Server (demo binary only)
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	RequestTimeout  time.Duration
	LogLevel        string
	MaxBodyBytes    int64

	// Embedding model reference, passed through to the configured embedder.
	Model string

	// Similarity-index credentials (C4).
	VectorURL   string
	VectorToken string

	// Payload-store credentials (C5).
	RedisURL   string
	RedisToken string

	// Lookup policy (C6).
	Threshold float64
	TTL       time.Duration
	CacheMode CacheMode

	Debug bool

	SimulateStream StreamPacing

	UseFullMessages bool

	IntentExtractor IntentExtractorConfig

	// FailOpenOnLookupError controls whether an embed/query/get failure
	// downgrades to a live call (true) or is surfaced to the caller
	// (false by default).
	FailOpenOnLookupError bool
}

// Load reads configuration from environment variables and an optional
// .env file, applying defaults for unset values. It does not validate
// the result and its error is always nil; call Validate for the
// aggregated check.
func Load() (*Config, error) {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("SEMCACHE_GRACEFUL_TIMEOUT_SEC", 15)
	requestSec := getEnvInt("SEMCACHE_REQUEST_TIMEOUT_SEC", 60)
	ttlSec := getEnvInt("SEMCACHE_TTL_SEC", 14*24*3600)

	cfg := &Config{
		Addr:            getEnv("SEMCACHE_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RequestTimeout:  time.Duration(requestSec) * time.Second,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MaxBodyBytes:    int64(getEnvInt("SEMCACHE_MAX_BODY_BYTES", 1*1024*1024)),

		Model: getEnv("SEMCACHE_EMBED_MODEL", ""),

		VectorURL:   getEnv("VECTOR_REST_URL", ""),
		VectorToken: getEnv("VECTOR_REST_TOKEN", ""),
		RedisURL:    getEnv("REDIS_REST_URL", ""),
		RedisToken:  getEnv("REDIS_REST_TOKEN", ""),

		Threshold: getEnvFloat("SEMCACHE_THRESHOLD", 0.92),
		TTL:       time.Duration(ttlSec) * time.Second,
		CacheMode: CacheMode(getEnv("SEMCACHE_CACHE_MODE", string(ModeDefault))),

		Debug: getEnvBool("SEMCACHE_DEBUG", false),

		SimulateStream: StreamPacing{
			Enabled:          getEnvBool("SEMCACHE_SIMULATE_STREAM", true),
			InitialDelayInMs: getEnvInt("SEMCACHE_INITIAL_DELAY_MS", 0),
			ChunkDelayInMs:   getEnvInt("SEMCACHE_CHUNK_DELAY_MS", 10),
		},

		UseFullMessages: getEnvBool("SEMCACHE_USE_FULL_MESSAGES", false),

		IntentExtractor: IntentExtractorConfig{
			Model:      getEnv("SEMCACHE_INTENT_MODEL", ""),
			WindowSize: getEnvInt("SEMCACHE_INTENT_WINDOW", 5),
			Prompt:     getEnv("SEMCACHE_INTENT_PROMPT", ""),
		},

		FailOpenOnLookupError: getEnvBool("SEMCACHE_FAIL_OPEN", false),
	}
	return cfg, nil
}

// Validate checks cfg for missing credentials and out-of-range values,
// aggregating every problem into a single error rather than failing on
// the first one found.
func Validate(cfg *Config, requireIntent bool) error {
	var result *multierror.Error

	if cfg.Model == "" {
		result = multierror.Append(result, fmt.Errorf("model: embedding model reference is required"))
	}
	if cfg.VectorURL == "" {
		result = multierror.Append(result, fmt.Errorf("vector.url: VECTOR_REST_URL is required"))
	}
	if cfg.VectorToken == "" {
		result = multierror.Append(result, fmt.Errorf("vector.token: VECTOR_REST_TOKEN is required"))
	}
	if cfg.RedisURL == "" {
		result = multierror.Append(result, fmt.Errorf("redis.url: REDIS_REST_URL is required"))
	}
	if cfg.RedisToken == "" {
		result = multierror.Append(result, fmt.Errorf("redis.token: REDIS_REST_TOKEN is required"))
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		result = multierror.Append(result, fmt.Errorf("threshold: must be in [0,1], got %v", cfg.Threshold))
	}
	if cfg.TTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("ttl: must be positive, got %v", cfg.TTL))
	}
	if cfg.CacheMode != ModeDefault && cfg.CacheMode != ModeRefresh {
		result = multierror.Append(result, fmt.Errorf("cacheMode: unrecognized value %q", cfg.CacheMode))
	}
	if requireIntent && cfg.IntentExtractor.Model == "" {
		result = multierror.Append(result, fmt.Errorf("intentExtractor.model: required for the intent-similarity variant"))
	}

	if result != nil {
		result.ErrorFormat = aggregatedFormat
		return result
	}
	return nil
}

func aggregatedFormat(errs []error) string {
	msg := "config validation failed:"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return msg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
