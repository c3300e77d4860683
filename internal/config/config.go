// Package config provides configuration management for loom.
// It loads settings from environment variables with the LOOM_ prefix,
// optionally overlaid by a YAML file, and provides sensible defaults for
// every option.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the memory hierarchy.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Cache       CacheConfig       `yaml:"cache"`
	ShortTerm   ShortTermConfig   `yaml:"short_term"`
	MidTerm     MidTermConfig     `yaml:"mid_term"`
	LongTerm    LongTermConfig    `yaml:"long_term"`
	Backup      BackupConfig      `yaml:"backup"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
}

// StorageConfig contains file store configuration.
type StorageConfig struct {
	DataPath string `yaml:"data_path"` // Root of the file-based store (default: ./data)
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // text, json, pretty (default: text)
}

// CacheConfig holds defaults for every tier cache.
type CacheConfig struct {
	MaxEntries     int           `yaml:"max_entries"`     // default: 1000
	MaxSizeBytes   int64         `yaml:"max_size_bytes"`  // default: 50 MiB
	DefaultTTL     time.Duration `yaml:"default_ttl"`     // default: 30m
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // default: 5m
	LatencySamples int           `yaml:"latency_samples"` // default: 1000
}

// ShortTermConfig configures the short-term tier.
type ShortTermConfig struct {
	RetentionWindow        int           `yaml:"retention_window"`         // chapters kept in full (default: 5)
	GenerationMaxAge       time.Duration `yaml:"generation_max_age"`       // default: 4h
	GenerationMaxActive    int           `yaml:"generation_max_active"`    // default: 50
	GenerationCleanupEvery time.Duration `yaml:"generation_cleanup_every"` // default: 15m
}

// MidTermConfig configures the mid-term tier.
type MidTermConfig struct {
	RetentionWindow int     `yaml:"retention_window"` // chapters of analytics kept (default: 50)
	DefaultScore    float64 `yaml:"default_score"`    // score reported by absent analyzers (default: 0.5)
}

// LongTermConfig configures the long-term tier.
type LongTermConfig struct {
	DBPath string `yaml:"db_path"` // SQLite database path (default: <data>/longterm/knowledge.db)
}

// BackupConfig contains backup configuration.
type BackupConfig struct {
	Enabled             bool          `yaml:"enabled"`              // run the scheduler (default: false)
	FullInterval        time.Duration `yaml:"full_interval"`        // default: 24h
	IncrementalInterval time.Duration `yaml:"incremental_interval"` // default: 1h
	RetentionDays       int           `yaml:"retention_days"`       // default: 30
	MaxBackups          int           `yaml:"max_backups"`          // default: 50
	VerifyAfterBackup   bool          `yaml:"verify_after_backup"`  // default: true
}

// CoordinatorConfig configures the coordinator.
type CoordinatorConfig struct {
	HealthWindow       int           `yaml:"health_window"`        // rolling outcome samples (default: 100)
	CriticalFailRate   float64       `yaml:"critical_fail_rate"`   // default: 0.20
	DegradedFailRate   float64       `yaml:"degraded_fail_rate"`   // default: 0.05
	OperationTimeout   time.Duration `yaml:"operation_timeout"`    // per-branch timeout (default: 30s)
	EnableEventWatcher bool          `yaml:"enable_event_watcher"` // default: false
}

// AnalysisConfig configures calls to the external analysis collaborator.
type AnalysisConfig struct {
	Timeout        time.Duration `yaml:"timeout"`          // default: 20s
	MaxFailures    uint32        `yaml:"max_failures"`     // circuit breaker trip threshold (default: 3)
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`  // open -> half-open (default: 30s)
	RequestsPerSec float64       `yaml:"requests_per_sec"` // default: 2
	Burst          int           `yaml:"burst"`            // default: 4
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the LOOM_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads the YAML file at path over the defaults, then applies
// environment overrides. Environment variables win over the file.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnv(cfg)
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.DataPath == "" {
		errs = append(errs, errors.New("storage.data_path is required"))
	}
	if c.ShortTerm.RetentionWindow < 1 {
		errs = append(errs, fmt.Errorf("short_term.retention_window must be >= 1, got %d", c.ShortTerm.RetentionWindow))
	}
	if c.ShortTerm.GenerationMaxActive < 1 {
		errs = append(errs, fmt.Errorf("short_term.generation_max_active must be >= 1, got %d", c.ShortTerm.GenerationMaxActive))
	}
	if c.MidTerm.RetentionWindow < 1 {
		errs = append(errs, fmt.Errorf("mid_term.retention_window must be >= 1, got %d", c.MidTerm.RetentionWindow))
	}
	if c.MidTerm.DefaultScore < 0 || c.MidTerm.DefaultScore > 1 {
		errs = append(errs, fmt.Errorf("mid_term.default_score must be in [0,1], got %v", c.MidTerm.DefaultScore))
	}
	if c.Cache.MaxEntries < 1 || c.Cache.MaxSizeBytes < 1 {
		errs = append(errs, errors.New("cache ceilings must be positive"))
	}
	if c.Backup.RetentionDays < 0 || c.Backup.MaxBackups < 0 {
		errs = append(errs, errors.New("backup retention values must be >= 0"))
	}
	if c.Coordinator.CriticalFailRate <= c.Coordinator.DegradedFailRate {
		errs = append(errs, fmt.Errorf("coordinator.critical_fail_rate (%v) must exceed degraded_fail_rate (%v)",
			c.Coordinator.CriticalFailRate, c.Coordinator.DegradedFailRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// defaultConfig returns the built-in defaults without consulting the environment.
func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{DataPath: "./data"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Cache: CacheConfig{
			MaxEntries:     1000,
			MaxSizeBytes:   50 << 20,
			DefaultTTL:     30 * time.Minute,
			SweepInterval:  5 * time.Minute,
			LatencySamples: 1000,
		},
		ShortTerm: ShortTermConfig{
			RetentionWindow:        5,
			GenerationMaxAge:       4 * time.Hour,
			GenerationMaxActive:    50,
			GenerationCleanupEvery: 15 * time.Minute,
		},
		MidTerm: MidTermConfig{RetentionWindow: 50, DefaultScore: 0.5},
		Backup: BackupConfig{
			FullInterval:        24 * time.Hour,
			IncrementalInterval: time.Hour,
			RetentionDays:       30,
			MaxBackups:          50,
			VerifyAfterBackup:   true,
		},
		Coordinator: CoordinatorConfig{
			HealthWindow:     100,
			CriticalFailRate: 0.20,
			DegradedFailRate: 0.05,
			OperationTimeout: 30 * time.Second,
		},
		Analysis: AnalysisConfig{
			Timeout:        20 * time.Second,
			MaxFailures:    3,
			BreakerTimeout: 30 * time.Second,
			RequestsPerSec: 2,
			Burst:          4,
		},
	}
}

// buildBaseConfig constructs a Config from defaults and environment variables.
func buildBaseConfig() *Config {
	cfg := defaultConfig()
	applyEnv(cfg)
	cfg.fillDerived()
	return cfg
}

// applyEnv overlays LOOM_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Storage.DataPath = getEnv("LOOM_DATA_PATH", cfg.Storage.DataPath)

	cfg.Logging.Level = getEnv("LOOM_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOOM_LOG_FORMAT", cfg.Logging.Format)

	cfg.Cache.MaxEntries = getEnvInt("LOOM_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxSizeBytes = int64(getEnvInt("LOOM_CACHE_MAX_SIZE_BYTES", int(cfg.Cache.MaxSizeBytes)))
	cfg.Cache.DefaultTTL = getEnvDuration("LOOM_CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL)
	cfg.Cache.SweepInterval = getEnvDuration("LOOM_CACHE_SWEEP_INTERVAL", cfg.Cache.SweepInterval)

	cfg.ShortTerm.RetentionWindow = getEnvInt("LOOM_SHORT_TERM_WINDOW", cfg.ShortTerm.RetentionWindow)
	cfg.ShortTerm.GenerationMaxAge = getEnvDuration("LOOM_GENERATION_MAX_AGE", cfg.ShortTerm.GenerationMaxAge)
	cfg.ShortTerm.GenerationMaxActive = getEnvInt("LOOM_GENERATION_MAX_ACTIVE", cfg.ShortTerm.GenerationMaxActive)

	cfg.MidTerm.RetentionWindow = getEnvInt("LOOM_MID_TERM_WINDOW", cfg.MidTerm.RetentionWindow)

	cfg.LongTerm.DBPath = getEnv("LOOM_LONG_TERM_DB", cfg.LongTerm.DBPath)

	cfg.Backup.Enabled = getEnvBool("LOOM_BACKUP_ENABLED", cfg.Backup.Enabled)
	cfg.Backup.FullInterval = getEnvDuration("LOOM_BACKUP_FULL_INTERVAL", cfg.Backup.FullInterval)
	cfg.Backup.IncrementalInterval = getEnvDuration("LOOM_BACKUP_INCREMENTAL_INTERVAL", cfg.Backup.IncrementalInterval)
	cfg.Backup.RetentionDays = getEnvInt("LOOM_BACKUP_RETENTION_DAYS", cfg.Backup.RetentionDays)
	cfg.Backup.MaxBackups = getEnvInt("LOOM_BACKUP_MAX_BACKUPS", cfg.Backup.MaxBackups)
	cfg.Backup.VerifyAfterBackup = getEnvBool("LOOM_BACKUP_VERIFY", cfg.Backup.VerifyAfterBackup)

	cfg.Coordinator.OperationTimeout = getEnvDuration("LOOM_OPERATION_TIMEOUT", cfg.Coordinator.OperationTimeout)
	cfg.Coordinator.EnableEventWatcher = getEnvBool("LOOM_EVENT_WATCHER", cfg.Coordinator.EnableEventWatcher)

	cfg.Analysis.Timeout = getEnvDuration("LOOM_ANALYSIS_TIMEOUT", cfg.Analysis.Timeout)
}

// fillDerived sets values that depend on other settings.
func (c *Config) fillDerived() {
	if c.LongTerm.DBPath == "" {
		c.LongTerm.DBPath = strings.TrimSuffix(c.Storage.DataPath, "/") + "/longterm/knowledge.db"
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "90s")
// or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
