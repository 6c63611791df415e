// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings.
	DBPath string // SQLite file holding sessions, calls and policy rows.

	// Qdrant settings for the anchor-payload index.
	QdrantURL        string
	QdrantAPIKey     string
	CollectionPrefix string

	// Decision-service settings.
	DataPlaneTarget string // host:port of the decision service gRPC endpoint.

	// JWT settings.
	JWTSecret     string // HS256 shared secret for tenant tokens.
	JWTExpiration time.Duration

	// Operator API key, stored as an argon2id hash.
	AdminAPIKeyHash string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel               string
	SessionCleanupInterval time.Duration
	EmbedCacheSize         int
	RateLimitEnabled       bool
	RateLimitPerMinute     int
	MaxRequestBodyBytes    int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible
// defaults. All malformed variables are reported together so operators
// fix them in one pass.
func Load() (Config, error) {
	var errs []error
	collectInt := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectBool := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectDuration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                   collectInt("PRISM_PORT", 8080),
		ReadTimeout:            collectDuration("PRISM_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           collectDuration("PRISM_WRITE_TIMEOUT", 30*time.Second),
		DBPath:                 envStr("PRISM_DB_PATH", "prism.db"),
		QdrantURL:              envStr("QDRANT_URL", ""),
		QdrantAPIKey:           envStr("QDRANT_API_KEY", ""),
		CollectionPrefix:       envStr("PRISM_COLLECTION_PREFIX", "prism_anchors"),
		DataPlaneTarget:        envStr("PRISM_DATAPLANE_TARGET", "localhost:50051"),
		JWTSecret:              envStr("PRISM_JWT_SECRET", ""),
		JWTExpiration:          collectDuration("PRISM_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKeyHash:        envStr("PRISM_ADMIN_API_KEY_HASH", ""),
		EmbeddingProvider:      envStr("PRISM_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:           envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:         envStr("PRISM_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:    collectInt("PRISM_EMBEDDING_DIMENSIONS", 384),
		OllamaURL:              envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:            envStr("OLLAMA_MODEL", "all-minilm"),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:           collectBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "prism"),
		LogLevel:               envStr("PRISM_LOG_LEVEL", "info"),
		SessionCleanupInterval: collectDuration("PRISM_SESSION_CLEANUP_INTERVAL", 5*time.Minute),
		EmbedCacheSize:         collectInt("PRISM_EMBED_CACHE_SIZE", 10000),
		RateLimitEnabled:       collectBool("PRISM_RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute:     collectInt("PRISM_RATE_LIMIT_PER_MINUTE", 600),
		MaxRequestBodyBytes:    int64(collectInt("PRISM_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: PRISM_DB_PATH is required")
	}
	if c.DataPlaneTarget == "" {
		return fmt.Errorf("config: PRISM_DATAPLANE_TARGET is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: PRISM_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: PRISM_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
