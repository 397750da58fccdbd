package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings sourced from environment variables.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Reliability ReliabilityConfig `mapstructure:"upload_reliability"`
	Storage     StorageConfig     `mapstructure:"file_storage"`
	Clamd       ClamdConfig       `mapstructure:"clamd"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ReliabilityConfig controls submission deduplication and the legacy endpoint gate.
type ReliabilityConfig struct {
	EnforceProgressForLarge bool `mapstructure:"enforce_progress_for_large"`
	LargeFileThresholdMb    int  `mapstructure:"large_file_threshold_mb"`
	IdempotencyActive       bool `mapstructure:"idempotency_active"`
	RecentResultTtlMinutes  int  `mapstructure:"recent_result_ttl_minutes"`
}

// ResultTTL returns the completed-result reuse window.
func (r ReliabilityConfig) ResultTTL() time.Duration {
	return time.Duration(r.RecentResultTtlMinutes) * time.Minute
}

// ThresholdBytes returns the legacy gate threshold in bytes.
func (r ReliabilityConfig) ThresholdBytes() int64 {
	return int64(r.LargeFileThresholdMb) * 1024 * 1024
}

// StorageConfig contains upload/output directory settings.
type StorageConfig struct {
	Directory         string `mapstructure:"directory"`
	MaxStorageAgeDays int    `mapstructure:"max_storage_age_days"`
}

// ClamdConfig contains optional ClamAV scan settings for uploads.
type ClamdConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("upload_reliability.enforce_progress_for_large", true)
	v.SetDefault("upload_reliability.large_file_threshold_mb", 200)
	v.SetDefault("upload_reliability.idempotency_active", true)
	v.SetDefault("upload_reliability.recent_result_ttl_minutes", 30)
	v.SetDefault("file_storage.directory", "uploads")
	v.SetDefault("file_storage.max_storage_age_days", 1)
	v.SetDefault("clamd.enabled", false)
	v.SetDefault("clamd.addr", "tcp://localhost:3310")
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"server.port": "SERVER_PORT",
		"upload_reliability.enforce_progress_for_large": "UPLOAD_RELIABILITY_ENFORCE_PROGRESS_FOR_LARGE",
		"upload_reliability.large_file_threshold_mb":    "UPLOAD_RELIABILITY_LARGE_FILE_THRESHOLD_MB",
		"upload_reliability.idempotency_active":         "UPLOAD_RELIABILITY_IDEMPOTENCY_ACTIVE",
		"upload_reliability.recent_result_ttl_minutes":  "UPLOAD_RELIABILITY_RECENT_RESULT_TTL_MINUTES",
		"file_storage.directory":                        "FILE_STORAGE_DIRECTORY",
		"file_storage.max_storage_age_days":             "FILE_STORAGE_MAX_STORAGE_AGE_DAYS",
		"clamd.enabled":                                 "CLAMD_ENABLED",
		"clamd.addr":                                    "CLAMD_ADDR",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 {
		return errors.New("server port must be positive")
	}
	if cfg.Reliability.LargeFileThresholdMb < 1 || cfg.Reliability.LargeFileThresholdMb > 2048 {
		return errors.New("large file threshold must be within 1..2048 MB")
	}
	if cfg.Reliability.RecentResultTtlMinutes < 1 || cfg.Reliability.RecentResultTtlMinutes > 1440 {
		return errors.New("recent result ttl must be within 1..1440 minutes")
	}
	if cfg.Storage.Directory == "" {
		return errors.New("file storage directory is required")
	}
	if cfg.Storage.MaxStorageAgeDays <= 0 {
		return errors.New("max storage age must be positive")
	}
	if cfg.Clamd.Enabled && cfg.Clamd.Addr == "" {
		return errors.New("clamd addr is required when scanning is enabled")
	}
	return nil
}
