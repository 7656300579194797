// Package config provides the typed, validated knobs for the sync core.
// The configuration is a pure value object: it is loaded and validated
// once at startup and injected into every other component.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/models"
)

// ConflictPolicy selects how concurrent edits to the same entity are
// reconciled. It is a closed set dispatched through a single resolver.
type ConflictPolicy string

const (
	PolicyLastWriteWins  ConflictPolicy = "last_write_wins"
	PolicyFirstWriteWins ConflictPolicy = "first_write_wins"
	PolicyDevicePriority ConflictPolicy = "device_priority"
	PolicyManual         ConflictPolicy = "manual"
	PolicyMerge          ConflictPolicy = "merge"
)

// IsValid reports whether p is a known conflict policy.
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case PolicyLastWriteWins, PolicyFirstWriteWins, PolicyDevicePriority,
		PolicyManual, PolicyMerge:
		return true
	}
	return false
}

// SyncConfig holds every timing, retry, eviction and conflict-policy
// parameter of the sync core.
type SyncConfig struct {
	// Realtime service
	ListenPort       int           `mapstructure:"listen_port"`
	HeartbeatWindow  time.Duration `mapstructure:"heartbeat_window"`
	SendBufferSize   int           `mapstructure:"send_buffer_size"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`

	// Background loops
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	QueueInterval time.Duration `mapstructure:"queue_interval"`

	// Offline queue
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxQueueSize int           `mapstructure:"max_queue_size"`

	// Cache
	MaxCacheBytes int64         `mapstructure:"max_cache_bytes"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`

	// Conflicts
	ConflictPolicy    ConflictPolicy    `mapstructure:"conflict_policy"`
	PriorityDevice    models.DeviceType `mapstructure:"priority_device"`
	ConflictRetention time.Duration     `mapstructure:"conflict_retention"`

	// Storage
	DataDir string `mapstructure:"data_dir"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration defaults.
func Default() *SyncConfig {
	return &SyncConfig{
		ListenPort:        8080,
		HeartbeatWindow:   5 * time.Minute,
		SendBufferSize:    64,
		WriteTimeout:      10 * time.Second,
		SyncInterval:      30 * time.Second,
		QueueInterval:     time.Minute,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
		BatchSize:         50,
		MaxQueueSize:      10000,
		MaxCacheBytes:     100 * 1024 * 1024, // 100MB
		CacheTTL:          7 * 24 * time.Hour,
		ConflictPolicy:    PolicyLastWriteWins,
		ConflictRetention: 30 * 24 * time.Hour,
		DataDir:           "./data",
		LogLevel:          "info",
	}
}

// Load reads the configuration from an optional file plus SYNC_* environment
// variables, layered over the defaults, and validates the result.
func Load(path string) (*SyncConfig, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("listen_port", defaults.ListenPort)
	v.SetDefault("heartbeat_window", defaults.HeartbeatWindow)
	v.SetDefault("send_buffer_size", defaults.SendBufferSize)
	v.SetDefault("write_timeout", defaults.WriteTimeout)
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("queue_interval", defaults.QueueInterval)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("retry_delay", defaults.RetryDelay)
	v.SetDefault("batch_size", defaults.BatchSize)
	v.SetDefault("max_queue_size", defaults.MaxQueueSize)
	v.SetDefault("max_cache_bytes", defaults.MaxCacheBytes)
	v.SetDefault("cache_ttl", defaults.CacheTTL)
	v.SetDefault("conflict_policy", string(defaults.ConflictPolicy))
	v.SetDefault("priority_device", string(defaults.PriorityDevice))
	v.SetDefault("conflict_retention", defaults.ConflictRetention)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetEnvPrefix("SYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "failed to read config file", err)
		}
	}

	var cfg SyncConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects zero values for required fields and unknown enum names.
// It fails fast: a misconfigured core must not start with silent defaults.
func (c *SyncConfig) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.New(errors.ErrValidation, "listen_port must be in (0, 65535]")
	}
	if c.HeartbeatWindow <= 0 {
		return errors.New(errors.ErrValidation, "heartbeat_window must be positive")
	}
	if c.SendBufferSize <= 0 {
		return errors.New(errors.ErrValidation, "send_buffer_size must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New(errors.ErrValidation, "write_timeout must be positive")
	}
	if c.SyncInterval <= 0 {
		return errors.New(errors.ErrValidation, "sync_interval must be positive")
	}
	if c.QueueInterval <= 0 {
		return errors.New(errors.ErrValidation, "queue_interval must be positive")
	}
	if c.MaxRetries <= 0 {
		return errors.New(errors.ErrValidation, "max_retries must be positive")
	}
	if c.RetryDelay <= 0 {
		return errors.New(errors.ErrValidation, "retry_delay must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New(errors.ErrValidation, "batch_size must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return errors.New(errors.ErrValidation, "max_queue_size must be positive")
	}
	if c.MaxCacheBytes <= 0 {
		return errors.New(errors.ErrValidation, "max_cache_bytes must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New(errors.ErrValidation, "cache_ttl must be positive")
	}
	if !c.ConflictPolicy.IsValid() {
		return errors.New(errors.ErrValidation, "unknown conflict_policy")
	}
	if c.ConflictPolicy == PolicyDevicePriority && !c.PriorityDevice.IsValid() {
		return errors.New(errors.ErrValidation, "device_priority policy requires a valid priority_device")
	}
	if c.ConflictRetention <= 0 {
		return errors.New(errors.ErrValidation, "conflict_retention must be positive")
	}
	if c.DataDir == "" {
		return errors.New(errors.ErrValidation, "data_dir must not be empty")
	}
	return nil
}
