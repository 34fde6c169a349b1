package config

import (
	stderr "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/n5stream/n5stream/internal/circuit"
	"github.com/n5stream/n5stream/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Storage.Provider != "aws" {
		t.Errorf("Expected Provider to be aws, got %s", cfg.Storage.Provider)
	}
	if !cfg.Storage.UsePathStyle {
		t.Error("Expected path style addressing by default")
	}
	if cfg.Channel.DrainTimeout != 10*time.Second {
		t.Errorf("Expected DrainTimeout 10s, got %v", cfg.Channel.DrainTimeout)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("Expected 8 queue workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Storage.Cargoship.Enabled {
		t.Error("Expected cargoship to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		errMsg string
	}{
		{"valid config", func(*Configuration) {}, ""},
		{"invalid log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, "invalid log_level"},
		{"invalid log format", func(c *Configuration) { c.Global.LogFormat = "xml" }, "invalid log_format"},
		{"unknown provider", func(c *Configuration) { c.Storage.Provider = "gcs" }, "invalid storage provider"},
		{"zero pool", func(c *Configuration) { c.Storage.PoolSize = 0 }, "pool_size"},
		{"half credentials", func(c *Configuration) { c.Storage.AccessKeyID = "AKIA" }, "must be set together"},
		{"zero drain timeout", func(c *Configuration) { c.Channel.DrainTimeout = 0 }, "drain_timeout"},
		{"bad drain bytes", func(c *Configuration) { c.Channel.MaxDrainBytes = "lots" }, "max_drain_bytes"},
		{"no workers", func(c *Configuration) { c.Queue.Workers = 0 }, "workers"},
		{"negative rate", func(c *Configuration) { c.Queue.FetchRate = -1 }, "fetch_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.errMsg)
			}
			if !stderr.Is(err, errors.NewError(errors.ErrCodeConfigValidation, "")) {
				t.Errorf("Validate() should return CONFIG_VALIDATION, got %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := `
global:
  log_level: DEBUG
storage:
  provider: minio
  endpoint: http://localhost:9000
  request_timeout: 5s
channel:
  drain_timeout: 2s
  max_drain_bytes: 64MB
queue:
  workers: 2
  fetch_rate: 50
`
	if err := os.WriteFile(configFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Storage.Provider != "minio" || cfg.Storage.Endpoint != "http://localhost:9000" {
		t.Errorf("unexpected storage section %+v", cfg.Storage)
	}
	if cfg.Storage.RequestTimeout != 5*time.Second || cfg.Channel.DrainTimeout != 2*time.Second {
		t.Error("durations not parsed")
	}
	if n, _ := cfg.Channel.MaxDrainBytesValue(); n != 64<<20 {
		t.Errorf("MaxDrainBytesValue() = %d, want 64MB", n)
	}
	if cfg.Queue.Workers != 2 || cfg.Queue.FetchRate != 50 {
		t.Errorf("unexpected queue section %+v", cfg.Queue)
	}
	// Untouched sections keep their defaults.
	if cfg.Storage.PoolSize != 32 {
		t.Errorf("Expected default PoolSize, got %d", cfg.Storage.PoolSize)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if !stderr.Is(err, errors.NewError(errors.ErrCodeConfigLoad, "")) {
		t.Errorf("expected CONFIG_LOAD, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("global: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := cfg.LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("N5STREAM_LOG_LEVEL", "ERROR")
	t.Setenv("N5STREAM_ENDPOINT", "http://s3.local:9000")
	t.Setenv("N5STREAM_PATH_STYLE", "false")
	t.Setenv("N5STREAM_POOL_SIZE", "4")
	t.Setenv("N5STREAM_DRAIN_TIMEOUT", "250ms")
	t.Setenv("N5STREAM_FETCH_RATE", "12.5")
	t.Setenv("N5STREAM_CACHE_MAX_ELEMENTS", "1000")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("LogLevel = %s, want ERROR", cfg.Global.LogLevel)
	}
	if cfg.Storage.Endpoint != "http://s3.local:9000" || cfg.Storage.UsePathStyle {
		t.Errorf("unexpected storage section %+v", cfg.Storage)
	}
	if cfg.Storage.PoolSize != 4 {
		t.Errorf("PoolSize = %d, want 4", cfg.Storage.PoolSize)
	}
	if cfg.Channel.DrainTimeout != 250*time.Millisecond {
		t.Errorf("DrainTimeout = %v", cfg.Channel.DrainTimeout)
	}
	if cfg.Queue.FetchRate != 12.5 || cfg.Cache.MaxElements != 1000 {
		t.Errorf("unexpected queue/cache %+v %+v", cfg.Queue, cfg.Cache)
	}
}

func TestLoadFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("N5STREAM_POOL_SIZE", "many")
	t.Setenv("N5STREAM_DRAIN_TIMEOUT", "soon")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if cfg.Storage.PoolSize != 32 {
		t.Error("malformed value should not overwrite the default")
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Storage.Endpoint = "http://minio:9000"
	cfg.Channel.DrainTimeout = 3 * time.Second
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded := &Configuration{}
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Storage.Endpoint != "http://minio:9000" || loaded.Channel.DrainTimeout != 3*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestPolicies(t *testing.T) {
	cfg := NewDefault()

	rp := cfg.Network.RetryPolicy()
	if rp.MaxAttempts != 3 || rp.InitialDelay != 100*time.Millisecond {
		t.Errorf("unexpected retry policy %+v", rp)
	}

	bp := cfg.Network.BreakerPolicy()
	if bp.FailureThreshold != 5 || bp.Timeout != 30*time.Second {
		t.Errorf("unexpected breaker policy %+v", bp)
	}
	if bp.ReadyToTrip != nil {
		t.Error("enabled breaker should use the default trip rule")
	}

	cfg.Network.CircuitBreaker.Enabled = false
	bp = cfg.Network.BreakerPolicy()
	if bp.ReadyToTrip == nil || bp.ReadyToTrip(circuit.Counts{ConsecutiveFailures: 1000}) {
		t.Error("disabled breaker must never trip")
	}
}
