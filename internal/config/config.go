// Package config provides unified configuration for all linktally jobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for all linktally jobs.
type Config struct {
	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration for the hot store
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Rollup configuration for the daily aggregator and monthly compactor
	Rollup RollupConfig `json:"rollup" yaml:"rollup"`

	// Archive configuration for the archive writer, reader and reaggregator
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Storage configuration for cold storage
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Locks configuration for single-instance job locks
	Locks LockConfig `json:"locks" yaml:"locks"`
}

// DatabaseConfig holds hot-store configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file (defaults to <data_dir>/linktally.db)
	Path string `json:"path" yaml:"path"`

	// ReadPoolSize is the maximum number of concurrent read connections
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size"`
}

// RollupConfig holds daily aggregator and monthly compactor configuration.
type RollupConfig struct {
	// GuardDays is how many days a month must have been closed before
	// the compactor will pick it by default
	GuardDays int `json:"guard_days" yaml:"guard_days"`

	// BatchSize caps the number of source rows compacted per transaction
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// ArchiveConfig holds archive writer/reader configuration.
type ArchiveConfig struct {
	// StagingDir is the durable write-before-upload directory
	StagingDir string `json:"staging_dir" yaml:"staging_dir"`

	// FetchCacheDir caches blobs downloaded by the reader
	FetchCacheDir string `json:"fetch_cache_dir" yaml:"fetch_cache_dir"`

	// AggregatePrefix names aggregate blobs, one per family suffix
	AggregatePrefix string `json:"aggregate_prefix" yaml:"aggregate_prefix"`

	// EventPrefix names raw-event blobs
	EventPrefix string `json:"event_prefix" yaml:"event_prefix"`

	// UploadConcurrency bounds the parallel upload worker pool
	UploadConcurrency int `json:"upload_concurrency" yaml:"upload_concurrency"`

	// MaxEventsPerBlob splits a day's raw events into numbered blobs
	MaxEventsPerBlob int `json:"max_events_per_blob" yaml:"max_events_per_blob"`

	// ListTTL bounds how long object listings are served from cache
	ListTTL time.Duration `json:"list_ttl" yaml:"list_ttl"`
}

// StorageConfig holds cold-storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Container is the bucket/container holding archive blobs
	Container string `json:"container" yaml:"container"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// LockConfig holds single-instance lock configuration.
type LockConfig struct {
	// Dir is the directory holding per-job lock files
	Dir string `json:"dir" yaml:"dir"`

	// WaitTimeout is how long a second invocation blocks before rejecting
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/linktally",
		Database: DatabaseConfig{
			ReadPoolSize: 4,
		},
		Rollup: RollupConfig{
			GuardDays: 10,
			BatchSize: 10000,
		},
		Archive: ArchiveConfig{
			AggregatePrefix:   "aggregates",
			EventPrefix:       "eventarchive",
			UploadConcurrency: 10,
			MaxEventsPerBlob:  50000,
			ListTTL:           5 * time.Minute,
		},
		Storage: StorageConfig{
			Type:      "local",
			Container: "linktally-archive",
		},
		Locks: LockConfig{
			WaitTimeout: 30 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/linktally"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "linktally.db")
	}
	if c.Archive.StagingDir == "" {
		c.Archive.StagingDir = filepath.Join(c.DataDir, "staging")
	}
	if c.Archive.FetchCacheDir == "" {
		c.Archive.FetchCacheDir = filepath.Join(c.DataDir, "fetch-cache")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Locks.Dir == "" {
		c.Locks.Dir = filepath.Join(c.DataDir, "locks")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.Container == "" {
		return fmt.Errorf("storage.container is required when storage type is s3")
	}
	if c.Rollup.GuardDays < 0 {
		return fmt.Errorf("rollup.guard_days must be non-negative, got %d", c.Rollup.GuardDays)
	}
	if c.Rollup.BatchSize <= 0 {
		return fmt.Errorf("rollup.batch_size must be positive, got %d", c.Rollup.BatchSize)
	}
	if c.Archive.UploadConcurrency <= 0 {
		return fmt.Errorf("archive.upload_concurrency must be positive, got %d", c.Archive.UploadConcurrency)
	}
	if c.Archive.MaxEventsPerBlob <= 0 {
		return fmt.Errorf("archive.max_events_per_blob must be positive, got %d", c.Archive.MaxEventsPerBlob)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LINKTALLY_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LINKTALLY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LINKTALLY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LINKTALLY_ROLLUP_GUARD_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Rollup.GuardDays)
	}
	if v := os.Getenv("LINKTALLY_ROLLUP_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Rollup.BatchSize)
	}
	if v := os.Getenv("LINKTALLY_ARCHIVE_UPLOAD_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.UploadConcurrency)
	}
	if v := os.Getenv("LINKTALLY_ARCHIVE_LIST_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.ListTTL = d
		}
	}
	if v := os.Getenv("LINKTALLY_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("LINKTALLY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LINKTALLY_STORAGE_CONTAINER"); v != "" {
		cfg.Storage.Container = v
	}
	if v := os.Getenv("LINKTALLY_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("LINKTALLY_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("LINKTALLY_LOCK_DIR"); v != "" {
		cfg.Locks.Dir = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Archive.StagingDir,
		c.Archive.FetchCacheDir,
		c.Storage.Path,
		c.Locks.Dir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
