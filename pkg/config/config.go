// Package config loads gateway configuration from the environment, with an
// optional YAML profile overlay for file-based deployments.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ExecutePolicy selects how execute operations are gated.
type ExecutePolicy string

const (
	PolicyOpen    ExecutePolicy = "open"
	PolicyConfirm ExecutePolicy = "confirm"
	PolicyStrict  ExecutePolicy = "strict"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DBPath       string
	KeystorePath string
	BaseURL      string

	// Bootstrap admin API key. Empty disables bootstrap.
	APIKey string

	ExecutePolicy    ExecutePolicy
	MaxExecuteAmount int64 // cents
	ExecuteRule      string

	AdaptersDir        string
	RuntimeAdaptersDir string
	BundledAdaptersDir string

	JobPollInterval time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	RedisAddr      string

	// Optional Postgres DSN for the shared idempotency cache.
	IdempotencyDBURL string

	ArchiveStorageType string // "fs" | "s3" | "gcs"
	ArchiveDir         string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveGCSBucket   string

	OTLPEndpoint  string
	OTelEnabled   bool
	ServiceName   string
	EnvironmentID string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:               envOr("AGENR_PORT", "8787"),
		LogLevel:           envOr("AGENR_LOG_LEVEL", "INFO"),
		DBPath:             envOr("AGENR_DB_PATH", "agenr.db"),
		KeystorePath:       envOr("AGENR_KEYSTORE_PATH", ".agenr/keystore.json"),
		BaseURL:            envOr("AGENR_BASE_URL", "http://localhost:8787"),
		APIKey:             os.Getenv("AGENR_API_KEY"),
		ExecuteRule:        os.Getenv("AGENR_EXECUTE_RULE"),
		AdaptersDir:        envOr("AGENR_ADAPTERS_DIR", "adapters"),
		RuntimeAdaptersDir: envOr("AGENR_RUNTIME_ADAPTERS_DIR", "adapters/runtime"),
		BundledAdaptersDir: envOr("AGENR_BUNDLED_ADAPTERS_DIR", "adapters/bundled"),
		RedisAddr:          os.Getenv("AGENR_REDIS_ADDR"),
		IdempotencyDBURL:   os.Getenv("AGENR_IDEMPOTENCY_DB_URL"),
		ArchiveStorageType: envOr("AGENR_ARCHIVE_STORAGE_TYPE", "fs"),
		ArchiveDir:         envOr("AGENR_ARCHIVE_DIR", ".agenr/archive"),
		ArchiveS3Bucket:    os.Getenv("AGENR_ARCHIVE_S3_BUCKET"),
		ArchiveS3Region:    os.Getenv("AGENR_ARCHIVE_S3_REGION"),
		ArchiveS3Endpoint:  os.Getenv("AGENR_ARCHIVE_S3_ENDPOINT"),
		ArchiveGCSBucket:   os.Getenv("AGENR_ARCHIVE_GCS_BUCKET"),
		OTLPEndpoint:       envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:        os.Getenv("AGENR_OTEL_ENABLED") == "true",
		ServiceName:        envOr("OTEL_SERVICE_NAME", "agenr-gateway"),
		EnvironmentID:      envOr("AGENR_ENV", "dev"),
	}

	cfg.ExecutePolicy = parsePolicy(os.Getenv("AGENR_EXECUTE_POLICY"))
	cfg.MaxExecuteAmount = envInt64("AGENR_MAX_EXECUTE_AMOUNT", 100)

	pollMS := envInt64("AGENR_JOB_POLL_INTERVAL_MS", 2000)
	if pollMS < 100 {
		pollMS = 100
	}
	cfg.JobPollInterval = time.Duration(pollMS) * time.Millisecond

	cfg.RateLimitRPS = envFloat("AGENR_RATE_LIMIT_RPS", 10)
	cfg.RateLimitBurst = int(envInt64("AGENR_RATE_LIMIT_BURST", 30))

	return cfg
}

func parsePolicy(raw string) ExecutePolicy {
	switch ExecutePolicy(raw) {
	case PolicyOpen, PolicyConfirm, PolicyStrict:
		return ExecutePolicy(raw)
	case "":
		return PolicyOpen
	default:
		slog.Warn("unknown execute policy, falling back to open", "value", raw)
		return PolicyOpen
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return f
}
