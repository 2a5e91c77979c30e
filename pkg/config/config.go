// Package config loads application configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/greyhaven/tenon/pkg/observability"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Archive       ArchiveConfig
	Webhook       WebhookConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds the optional permission cache backend. An empty URL
// disables the Redis tier; the in-process LRU still runs.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	CacheTTL time.Duration
	LRUSize  int
}

// ArchiveConfig selects where expired audit logs are archived.
type ArchiveConfig struct {
	// Type is "none", "filesystem" or "s3".
	Type string

	FilesystemDir string

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// WebhookConfig holds the identity provider webhook settings.
type WebhookConfig struct {
	// SigningSecret is the whsec_ secret issued by the provider. Empty
	// disables the webhook endpoint.
	SigningSecret string

	// DefaultRoleID is granted to members provisioned from provider
	// membership events.
	DefaultRoleID string
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Archive:       loadArchiveConfig(),
		Webhook:       loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENON_HOST", "0.0.0.0"),
		Port:            getEnv("TENON_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TENON_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENON_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TENON_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TENON_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TENON_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("TENON_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("TENON_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("TENON_POSTGRES_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("TENON_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("TENON_REDIS_URL", ""),
		Password: getEnv("TENON_REDIS_PASSWORD", ""),
		DB:       getEnvInt("TENON_REDIS_DB", 0),
		CacheTTL: getEnvDuration("TENON_CACHE_TTL", 5*time.Minute),
		LRUSize:  getEnvInt("TENON_CACHE_LRU_SIZE", 1024),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Type:           getEnv("TENON_ARCHIVE_TYPE", "none"),
		FilesystemDir:  getEnv("TENON_ARCHIVE_DIR", ""),
		S3Endpoint:     getEnv("TENON_S3_ENDPOINT", ""),
		S3Region:       getEnv("TENON_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("TENON_S3_BUCKET", ""),
		S3Prefix:       getEnv("TENON_S3_PREFIX", "audit"),
		S3AccessKey:    getEnv("TENON_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("TENON_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("TENON_S3_USE_PATH_STYLE", false),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		SigningSecret: getEnv("TENON_WEBHOOK_SECRET", ""),
		DefaultRoleID: getEnv("TENON_WEBHOOK_DEFAULT_ROLE_ID", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TENON_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TENON_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TENON_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TENON_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TENON_OTEL_SERVICE_NAME", "tenon"),
		OTelServiceVersion: getEnv("TENON_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TENON_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Archive.Type {
	case "none":
	case "filesystem":
		if c.Archive.FilesystemDir == "" {
			return fmt.Errorf("archive directory is required for filesystem archival")
		}
	case "s3":
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 archival")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, filesystem, or s3)", c.Archive.Type)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
