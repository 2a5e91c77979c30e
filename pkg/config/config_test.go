package config

import (
	"os"
	"testing"
	"time"

	"github.com/greyhaven/tenon/pkg/observability"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		original := os.Getenv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if original == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, original)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	clearEnv(t, "TENON_TEST_STR", "TENON_TEST_BOOL", "TENON_TEST_INT", "TENON_TEST_DUR")

	if got := getEnv("TENON_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %v, want fallback", got)
	}
	os.Setenv("TENON_TEST_STR", "custom")
	if got := getEnv("TENON_TEST_STR", "fallback"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}

	os.Setenv("TENON_TEST_BOOL", "TRUE")
	if !getEnvBool("TENON_TEST_BOOL", false) {
		t.Error("getEnvBool() = false, want true for 'TRUE'")
	}
	os.Setenv("TENON_TEST_BOOL", "1")
	if !getEnvBool("TENON_TEST_BOOL", false) {
		t.Error("getEnvBool() = false, want true for '1'")
	}

	os.Setenv("TENON_TEST_INT", "42")
	if got := getEnvInt("TENON_TEST_INT", 10); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	os.Setenv("TENON_TEST_INT", "invalid")
	if got := getEnvInt("TENON_TEST_INT", 10); got != 10 {
		t.Errorf("getEnvInt() = %v, want default 10 for invalid input", got)
	}

	os.Setenv("TENON_TEST_DUR", "30s")
	if got := getEnvDuration("TENON_TEST_DUR", time.Minute); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want 30s", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"DEBUG", observability.DebugLevel},
		{"info", observability.InfoLevel},
		{"warn", observability.WarnLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"invalid", observability.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.level); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:       "8080",
			HealthPort: "9090",
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost/tenon",
		},
		Archive: ArchiveConfig{Type: "none"},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := validConfig()
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error = %v", err)
		}
	})

	t.Run("missing server port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Port = ""
		if err := cfg.Validate(); err == nil || err.Error() != "server port is required" {
			t.Errorf("Validate() error = %v, want 'server port is required'", err)
		}
	})

	t.Run("same server and health port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.HealthPort = cfg.Server.Port
		if err := cfg.Validate(); err == nil || err.Error() != "server port and health port must be different" {
			t.Errorf("Validate() error = %v, want port conflict error", err)
		}
	})

	t.Run("missing postgres URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.URL = ""
		if err := cfg.Validate(); err == nil || err.Error() != "postgres URL is required" {
			t.Errorf("Validate() error = %v, want 'postgres URL is required'", err)
		}
	})

	t.Run("filesystem archive without directory", func(t *testing.T) {
		cfg := validConfig()
		cfg.Archive.Type = "filesystem"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("s3 archive without bucket", func(t *testing.T) {
		cfg := validConfig()
		cfg.Archive.Type = "s3"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("invalid archive type", func(t *testing.T) {
		cfg := validConfig()
		cfg.Archive.Type = "tape"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("otel enabled without endpoint", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.OTelEnabled = true
		cfg.Observability.OTelServiceName = "tenon"
		cfg.Observability.OTelEndpoint = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t, "TENON_PORT", "TENON_HEALTH_PORT", "TENON_POSTGRES_URL", "TENON_ARCHIVE_TYPE")

	t.Run("valid", func(t *testing.T) {
		os.Setenv("TENON_POSTGRES_URL", "postgres://localhost/tenon")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Server.Port != "8080" {
			t.Errorf("Port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Server.HealthPort != "9090" {
			t.Errorf("HealthPort = %v, want 9090", cfg.Server.HealthPort)
		}
		if cfg.Redis.CacheTTL != 5*time.Minute {
			t.Errorf("CacheTTL = %v, want 5m", cfg.Redis.CacheTTL)
		}
		if cfg.Archive.Type != "none" {
			t.Errorf("Archive.Type = %v, want none", cfg.Archive.Type)
		}
	})

	t.Run("missing postgres URL", func(t *testing.T) {
		os.Unsetenv("TENON_POSTGRES_URL")
		if _, err := LoadConfig(); err == nil {
			t.Error("LoadConfig() expected error, got nil")
		}
	})
}
