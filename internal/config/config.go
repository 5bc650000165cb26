// Package config handles loading and parsing of FileVault configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for FileVault.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Storage     StorageConfig     `yaml:"storage"`
	Upload      UploadConfig      `yaml:"upload"`
	Quota       QuotaConfig       `yaml:"quota"`
	Compression CompressionConfig `yaml:"compression"`
}

// ServerConfig holds the operational HTTP surface settings (health, metrics).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine ("sqlite" or "memory").
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific metadata store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds object storage backend settings.
type StorageConfig struct {
	// Backend is the storage backend type ("s3", "gcs", "azure", "local", "memory").
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	// S3Bucket is the bucket name for the S3 backend.
	S3Bucket string `yaml:"s3_bucket"`
	// S3Region is the AWS region for the S3 backend.
	S3Region string `yaml:"s3_region"`
	// S3Prefix is the optional key prefix for all objects in the bucket.
	S3Prefix string `yaml:"s3_prefix"`
	// S3EndpointURL overrides the S3 endpoint (R2, MinIO, localstack).
	S3EndpointURL string `yaml:"s3_endpoint_url"`
	// S3UsePathStyle enables path-style addressing for custom endpoints.
	S3UsePathStyle bool `yaml:"s3_use_path_style"`
	// GCSBucket is the bucket name for the GCS backend.
	GCSBucket string `yaml:"gcs_bucket"`
	// GCSPrefix is the optional key prefix for all objects in the bucket.
	GCSPrefix string `yaml:"gcs_prefix"`
	// AzureContainer is the container name for the Azure backend.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccountURL is the Azure storage account URL
	// (https://{account}.blob.core.windows.net).
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzurePrefix is the optional key prefix for all blobs in the container.
	AzurePrefix string `yaml:"azure_prefix"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for local object storage.
	RootDir string `yaml:"root_dir"`
}

// UploadConfig holds upload strategy and multipart session settings.
type UploadConfig struct {
	// SingleThresholdBytes is the size at or below which a known-length
	// upload uses a single put. Larger or unknown-length uploads go
	// multipart.
	SingleThresholdBytes int64 `yaml:"single_threshold_bytes"`
	// PartSizeBytes is the fixed multipart chunk size. Must be at least
	// the backend minimum (5 MiB); the final part may be smaller.
	PartSizeBytes int64 `yaml:"part_size_bytes"`
	// PartConcurrency is the fixed worker limit for concurrent part uploads.
	PartConcurrency int `yaml:"part_concurrency"`
	// SessionTTLHours is the multipart session lifetime; expired sessions
	// are only ever aborted, never completed.
	SessionTTLHours int `yaml:"session_ttl_hours"`
	// OperationTimeoutSeconds bounds one whole upload/download/delete,
	// including policy checks and storage round-trips. 0 disables.
	OperationTimeoutSeconds int `yaml:"operation_timeout_seconds"`
	// ReapIntervalMinutes is how often the expired-session janitor runs.
	ReapIntervalMinutes int `yaml:"reap_interval_minutes"`
}

// QuotaConfig holds the default tier assigned to users without one.
type QuotaConfig struct {
	DefaultTier string `yaml:"default_tier"`
	// StorageLimitBytes is the default tier's storage cap.
	StorageLimitBytes int64 `yaml:"storage_limit_bytes"`
	// FileCountLimit is the default tier's file count cap.
	FileCountLimit int64 `yaml:"file_count_limit"`
	// BandwidthLimitBytes is the default tier's daily download cap.
	BandwidthLimitBytes int64 `yaml:"bandwidth_limit_bytes"`
}

// CompressionConfig holds the optional gzip decorator settings.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxSizeBytes is the largest upload the decorator will buffer and
	// compress; larger uploads pass through untouched.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to filevault.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "filevault.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "filevault.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

const (
	defaultSingleThreshold = 50 * 1024 * 1024 // 50 MiB
	defaultPartSize        = 5 * 1024 * 1024  // 5 MiB, the backend minimum
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9400,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/objects",
			},
		},
		Upload: UploadConfig{
			SingleThresholdBytes:    defaultSingleThreshold,
			PartSizeBytes:           defaultPartSize,
			PartConcurrency:         3,
			SessionTTLHours:         24,
			OperationTimeoutSeconds: 600,
			ReapIntervalMinutes:     60,
		},
		Quota: QuotaConfig{
			DefaultTier:         "free",
			StorageLimitBytes:   10 * 1024 * 1024 * 1024, // 10 GiB
			FileCountLimit:      10000,
			BandwidthLimitBytes: 50 * 1024 * 1024 * 1024, // 50 GiB/day
		},
		Compression: CompressionConfig{
			Enabled:      false,
			MaxSizeBytes: 32 * 1024 * 1024, // 32 MiB
		},
	}
}

// applyDefaults fills in any fields still at their zero value after YAML
// unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9400
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/metadata.db"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Upload.SingleThresholdBytes == 0 {
		cfg.Upload.SingleThresholdBytes = defaultSingleThreshold
	}
	if cfg.Upload.PartSizeBytes < defaultPartSize {
		cfg.Upload.PartSizeBytes = defaultPartSize
	}
	if cfg.Upload.PartConcurrency <= 0 {
		cfg.Upload.PartConcurrency = 3
	}
	if cfg.Upload.SessionTTLHours <= 0 {
		cfg.Upload.SessionTTLHours = 24
	}
	if cfg.Upload.OperationTimeoutSeconds == 0 {
		cfg.Upload.OperationTimeoutSeconds = 600
	}
	if cfg.Upload.ReapIntervalMinutes <= 0 {
		cfg.Upload.ReapIntervalMinutes = 60
	}
	if cfg.Quota.DefaultTier == "" {
		cfg.Quota.DefaultTier = "free"
	}
	if cfg.Quota.StorageLimitBytes == 0 {
		cfg.Quota.StorageLimitBytes = 10 * 1024 * 1024 * 1024
	}
	if cfg.Quota.FileCountLimit == 0 {
		cfg.Quota.FileCountLimit = 10000
	}
	if cfg.Quota.BandwidthLimitBytes == 0 {
		cfg.Quota.BandwidthLimitBytes = 50 * 1024 * 1024 * 1024
	}
	if cfg.Compression.MaxSizeBytes == 0 {
		cfg.Compression.MaxSizeBytes = 32 * 1024 * 1024
	}
}
