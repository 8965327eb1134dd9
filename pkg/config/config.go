package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for rowforge-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Import pipeline tuning
	Import ImportConfig `yaml:"import"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"rowforge"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"rowforge_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// ImportConfig holds tuning knobs for the import pipeline.
type ImportConfig struct {
	// ChunkSize is the number of mapped records per chunk. A chunk is the
	// unit of parallel duplicate checking and of sequential insertion.
	ChunkSize int `yaml:"chunk_size" env:"IMPORT_CHUNK_SIZE" env-default:"10000"`

	// MinRowsForChunking is the batch size below which the two-phase split
	// is skipped and the whole batch runs as a single synchronous chunk.
	MinRowsForChunking int `yaml:"min_rows_for_chunking" env:"IMPORT_MIN_ROWS_FOR_CHUNKING" env-default:"1000"`

	// MaxCheckWorkers caps the duplicate-check worker pool. The effective
	// pool size is min(MaxCheckWorkers, GOMAXPROCS); keeping it small avoids
	// overwhelming the storage connection pool when lookups are pushed down.
	MaxCheckWorkers int `yaml:"max_check_workers" env:"IMPORT_MAX_CHECK_WORKERS" env-default:"4"`

	// ChunkTimeoutSeconds bounds the time a single chunk may spend in either
	// phase before it is surfaced as a chunk-level failure.
	ChunkTimeoutSeconds int `yaml:"chunk_timeout_seconds" env:"IMPORT_CHUNK_TIMEOUT_SECONDS" env-default:"120"`

	// PreloadMaxRows is the largest target table for which existing
	// uniqueness keys are preloaded in one query. Above it, each worker
	// issues a batched equality-set lookup for its chunk instead.
	PreloadMaxRows int64 `yaml:"preload_max_rows" env:"IMPORT_PRELOAD_MAX_ROWS" env-default:"500000"`

	// RecordCacheSize and RecordCacheTTLMinutes control the parsed-record
	// cache that bridges a preview call and the subsequent import call.
	RecordCacheSize       int `yaml:"record_cache_size" env:"IMPORT_RECORD_CACHE_SIZE" env-default:"64"`
	RecordCacheTTLMinutes int `yaml:"record_cache_ttl_minutes" env:"IMPORT_RECORD_CACHE_TTL_MINUTES" env-default:"30"`
}

// CheckWorkers returns the effective duplicate-check pool size.
func (c *ImportConfig) CheckWorkers() int {
	n := c.MaxCheckWorkers
	if n <= 0 {
		n = 4
	}
	if p := runtime.GOMAXPROCS(0); p < n {
		n = p
	}
	return n
}

// ChunkTimeout returns the per-chunk timeout as a duration.
func (c *ImportConfig) ChunkTimeout() time.Duration {
	if c.ChunkTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.ChunkTimeoutSeconds) * time.Second
}

// RecordCacheTTL returns the record cache TTL as a duration.
func (c *ImportConfig) RecordCacheTTL() time.Duration {
	if c.RecordCacheTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RecordCacheTTLMinutes) * time.Minute
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Import.ChunkSize <= 0 {
		return fmt.Errorf("import.chunk_size must be positive, got %d", c.Import.ChunkSize)
	}
	if c.Import.MinRowsForChunking < 0 {
		return fmt.Errorf("import.min_rows_for_chunking must not be negative, got %d", c.Import.MinRowsForChunking)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
