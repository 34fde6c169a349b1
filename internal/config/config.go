package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/n5stream/n5stream/internal/circuit"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/retry"
	"github.com/n5stream/n5stream/pkg/utils"
)

const envPrefix = "N5STREAM_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Storage    StorageConfig    `yaml:"storage"`
	Channel    ChannelConfig    `yaml:"channel"`
	Queue      QueueConfig      `yaml:"queue"`
	Cache      CacheConfig      `yaml:"cache"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StorageConfig selects and tunes the object store client.
type StorageConfig struct {
	Provider       string        `yaml:"provider"` // aws | minio
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	UsePathStyle   bool          `yaml:"use_path_style"`
	UseSSL         bool          `yaml:"use_ssl"`
	PoolSize       int           `yaml:"pool_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Static credentials. When empty the SDK default chain is used, falling
	// back to anonymous access.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	Cargoship CargoshipConfig `yaml:"cargoship"`
}

// CargoshipConfig tunes the optional multipart upload transporter.
type CargoshipConfig struct {
	Enabled      bool   `yaml:"enabled"`
	StorageClass string `yaml:"storage_class"`
	Concurrency  int    `yaml:"concurrency"`
}

// ChannelConfig tunes the remote object channel.
type ChannelConfig struct {
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	MaxDrainBytes string        `yaml:"max_drain_bytes"` // "0" = unlimited
	ContentType   string        `yaml:"content_type"`
}

// QueueConfig sizes the shared fetch queue.
type QueueConfig struct {
	Workers   int     `yaml:"workers"`
	FetchRate float64 `yaml:"fetch_rate"` // per second, 0 = unlimited
	Burst     int     `yaml:"burst"`
}

// CacheConfig bounds the loaded block cache.
type CacheConfig struct {
	MaxElements int64 `yaml:"max_elements"`
	MaxBlocks   int   `yaml:"max_blocks"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Path         string            `yaml:"path"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 9464,
		},
		Storage: StorageConfig{
			Provider:       "aws",
			Region:         "us-east-1",
			UsePathStyle:   true,
			UseSSL:         true,
			PoolSize:       32,
			RequestTimeout: 30 * time.Second,
			Cargoship: CargoshipConfig{
				Enabled:      false,
				StorageClass: "STANDARD",
				Concurrency:  4,
			},
		},
		Channel: ChannelConfig{
			DrainTimeout:  10 * time.Second,
			MaxDrainBytes: "0",
			ContentType:   "application/octet-stream",
		},
		Queue: QueueConfig{
			Workers: 8,
		},
		Cache: CacheConfig{
			MaxElements: 256 << 20,
			MaxBlocks:   100000,
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Path:      "/metrics",
				Namespace: "n5stream",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv overlays N5STREAM_* environment variables.
func (c *Configuration) LoadFromEnv() error {
	var errs []string
	bad := func(name string, err error) {
		errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
	}

	str := func(name string, dst *string) {
		if val := os.Getenv(envPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(envPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				bad(name, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(envPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(envPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				bad(name, err)
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("LOG_FILE", &c.Global.LogFile)
	integer("METRICS_PORT", &c.Global.MetricsPort)

	str("STORAGE_PROVIDER", &c.Storage.Provider)
	str("REGION", &c.Storage.Region)
	str("ENDPOINT", &c.Storage.Endpoint)
	boolean("PATH_STYLE", &c.Storage.UsePathStyle)
	boolean("USE_SSL", &c.Storage.UseSSL)
	integer("POOL_SIZE", &c.Storage.PoolSize)
	duration("REQUEST_TIMEOUT", &c.Storage.RequestTimeout)
	str("ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	str("SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey)
	str("SESSION_TOKEN", &c.Storage.SessionToken)
	boolean("CARGOSHIP", &c.Storage.Cargoship.Enabled)

	duration("DRAIN_TIMEOUT", &c.Channel.DrainTimeout)
	str("MAX_DRAIN_BYTES", &c.Channel.MaxDrainBytes)

	integer("QUEUE_WORKERS", &c.Queue.Workers)
	if val := os.Getenv(envPrefix + "FETCH_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			bad("FETCH_RATE", err)
		} else {
			c.Queue.FetchRate = rate
		}
	}

	if val := os.Getenv(envPrefix + "CACHE_MAX_ELEMENTS"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			bad("CACHE_MAX_ELEMENTS", err)
		} else {
			c.Cache.MaxElements = n
		}
	}

	if len(errs) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment overrides").
			WithDetail("errors", errs)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file")
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...))
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch c.Global.LogFormat {
	case "text", "json":
	default:
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	switch c.Storage.Provider {
	case "aws", "minio":
	default:
		return invalid("invalid storage provider: %s (must be aws or minio)", c.Storage.Provider)
	}
	if c.Storage.PoolSize <= 0 {
		return invalid("pool_size must be greater than 0")
	}
	if c.Storage.RequestTimeout <= 0 {
		return invalid("request_timeout must be greater than 0")
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return invalid("access_key_id and secret_access_key must be set together")
	}

	if c.Channel.DrainTimeout <= 0 {
		return invalid("drain_timeout must be greater than 0")
	}
	if _, err := c.Channel.MaxDrainBytesValue(); err != nil {
		return invalid("invalid max_drain_bytes: %v", err)
	}

	if c.Queue.Workers <= 0 {
		return invalid("queue workers must be greater than 0")
	}
	if c.Queue.FetchRate < 0 {
		return invalid("fetch_rate cannot be negative")
	}
	if c.Cache.MaxElements <= 0 {
		return invalid("cache max_elements must be greater than 0")
	}

	return nil
}

// MaxDrainBytesValue parses MaxDrainBytes. Zero means unlimited.
func (c ChannelConfig) MaxDrainBytesValue() (int64, error) {
	if c.MaxDrainBytes == "" || c.MaxDrainBytes == "0" {
		return 0, nil
	}
	return utils.ParseBytes(c.MaxDrainBytes)
}

// RetryPolicy converts the retry section for pkg/retry.
func (c NetworkConfig) RetryPolicy() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Retry.MaxAttempts
	rc.InitialDelay = c.Retry.BaseDelay
	rc.MaxDelay = c.Retry.MaxDelay
	return rc
}

// BreakerPolicy converts the circuit breaker section for internal/circuit.
// A disabled breaker never trips.
func (c NetworkConfig) BreakerPolicy() circuit.Config {
	policy := circuit.Config{
		FailureThreshold: uint32(max(c.CircuitBreaker.FailureThreshold, 0)),
		Timeout:          c.CircuitBreaker.Timeout,
	}
	if !c.CircuitBreaker.Enabled {
		policy.ReadyToTrip = func(circuit.Counts) bool { return false }
	}
	return policy
}
