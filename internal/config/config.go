// Package config provides engine configuration loaded from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
)

// Config holds all tunables for the sync engine and the portal daemon.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the portal daemon's HTTP/WebSocket address.
	ListenAddr string `yaml:"listen_addr"`

	// Sync configures the orchestrator and scheduler.
	Sync SyncConfig `yaml:"sync"`

	// Cache configures the local read cache.
	Cache CacheConfig `yaml:"cache"`

	// Trash configures soft-delete retention.
	Trash TrashConfig `yaml:"trash"`

	// Remote configures the upstream records API.
	Remote RemoteConfig `yaml:"remote"`

	// Log configures structured logging output.
	Log LogConfig `yaml:"log"`
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	// Interval between periodic drain passes when online.
	Interval time.Duration `yaml:"interval"`

	// MaxRetries is the retry budget assigned to new mutations.
	MaxRetries int `yaml:"max_retries"`

	// LogCap bounds the sync log ring buffer.
	LogCap int `yaml:"log_cap"`

	// ConflictStrategies selects resolution per logical table
	// (local_wins, server_wins, merge). Tables not listed use Default.
	ConflictStrategies map[string]string `yaml:"conflict_strategies"`

	// DefaultConflictStrategy applies to unlisted tables.
	DefaultConflictStrategy string `yaml:"default_conflict_strategy"`
}

// CacheConfig holds read-cache settings.
type CacheConfig struct {
	// DefaultTTL applies when the caller passes a non-positive TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// PruneInterval between expiry sweeps.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// TrashConfig holds soft-delete retention settings.
type TrashConfig struct {
	// RetentionDays is the recovery window before permanent erasure.
	RetentionDays int `yaml:"retention_days"`

	// SweepInterval between purge sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RemoteConfig holds upstream API settings.
type RemoteConfig struct {
	// BaseURL is the records API root, e.g. https://records.example.edu.
	BaseURL string `yaml:"base_url"`

	// APIToken authenticates requests; empty disables the Authorization header.
	APIToken string `yaml:"api_token"`

	// Timeout bounds a single request round trip.
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum level emitted (DEBUG, INFO, WARN, ERROR).
	Level string `yaml:"level"`

	// File is the rotating log file path; empty logs to stdout.
	File string `yaml:"file"`

	// MaxSizeMB is the rotation threshold for the log file.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `yaml:"max_backups"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: "localhost:8090",
		Sync: SyncConfig{
			Interval:                15 * time.Minute,
			MaxRetries:              5,
			LogCap:                  1000,
			DefaultConflictStrategy: "merge",
		},
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			PruneInterval: time.Minute,
		},
		Trash: TrashConfig{
			RetentionDays: 30,
			SweepInterval: time.Hour,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validStrategies mirrors the resolver's strategy set.
var validStrategies = map[string]bool{
	"local_wins":  true,
	"server_wins": true,
	"merge":       true,
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfigInvalid, "data_dir must not be empty")
	}

	if c.Sync.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "sync.max_retries must not be negative")
	}

	if c.Sync.Interval <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "sync.interval must be positive")
	}

	if c.Trash.RetentionDays <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "trash.retention_days must be positive")
	}

	if c.Cache.DefaultTTL <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "cache.default_ttl must be positive")
	}

	if c.Remote.Timeout < 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "remote.timeout must not be negative")
	}

	if !validStrategies[c.Sync.DefaultConflictStrategy] {
		return apperrors.New(apperrors.ErrConfigInvalid,
			fmt.Sprintf("unknown default conflict strategy: %q", c.Sync.DefaultConflictStrategy))
	}

	for table, strategy := range c.Sync.ConflictStrategies {
		if !validStrategies[strategy] {
			return apperrors.New(apperrors.ErrConfigInvalid,
				fmt.Sprintf("unknown conflict strategy %q for table %q", strategy, table))
		}
	}

	return nil
}

// StrategyFor returns the conflict strategy configured for a table.
func (c *Config) StrategyFor(table string) string {
	if s, ok := c.Sync.ConflictStrategies[table]; ok {
		return s
	}
	return c.Sync.DefaultConflictStrategy
}
