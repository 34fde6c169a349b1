package s3

import (
	"time"

	"github.com/n5stream/n5stream/internal/config"
)

// Storage classes accepted by Config.StorageClass.
const (
	ClassStandard    = "STANDARD"
	ClassStandardIA  = "STANDARD_IA"
	ClassOneZoneIA   = "ONEZONE_IA"
	ClassGlacier     = "GLACIER"
	ClassDeepArchive = "DEEP_ARCHIVE"
	ClassIntelligent = "INTELLIGENT_TIERING"
)

// Config represents S3 client configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// SDK-level retries. Reads are normally retried one level up by the
	// guarded store, so this stays at 1 unless set.
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// Cargoship upload transporter
	EnableCargoShip  bool   `yaml:"enable_cargoship"`
	StorageClass     string `yaml:"storage_class"`
	CargoShipWorkers int    `yaml:"cargoship_workers"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		ForcePathStyle:   true,
		MaxRetries:       1,
		RequestTimeout:   30 * time.Second,
		PoolSize:         32,
		StorageClass:     ClassStandard,
		CargoShipWorkers: 4,
	}
}

// FromStorageConfig maps the application storage section onto a client config.
func FromStorageConfig(sc config.StorageConfig) *Config {
	cfg := NewDefaultConfig()
	cfg.Region = sc.Region
	cfg.Endpoint = sc.Endpoint
	cfg.ForcePathStyle = sc.UsePathStyle
	cfg.AccessKeyID = sc.AccessKeyID
	cfg.SecretAccessKey = sc.SecretAccessKey
	cfg.SessionToken = sc.SessionToken
	if sc.RequestTimeout > 0 {
		cfg.RequestTimeout = sc.RequestTimeout
	}
	if sc.PoolSize > 0 {
		cfg.PoolSize = sc.PoolSize
	}
	cfg.EnableCargoShip = sc.Cargoship.Enabled
	if sc.Cargoship.StorageClass != "" {
		cfg.StorageClass = sc.Cargoship.StorageClass
	}
	if sc.Cargoship.Concurrency > 0 {
		cfg.CargoShipWorkers = sc.Cargoship.Concurrency
	}
	return cfg
}

func (c *Config) withDefaults() *Config {
	def := NewDefaultConfig()
	out := *c
	if out.Region == "" {
		out.Region = def.Region
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = def.RequestTimeout
	}
	if out.PoolSize <= 0 {
		out.PoolSize = def.PoolSize
	}
	if out.StorageClass == "" {
		out.StorageClass = def.StorageClass
	}
	if out.CargoShipWorkers <= 0 {
		out.CargoShipWorkers = def.CargoShipWorkers
	}
	return &out
}
