// Package config loads engine configuration from file, environment, and
// defaults.
//
// Configuration comes from a YAML file (trailbook.yaml by default) with
// TRAILBOOK_-prefixed environment variables overriding individual keys.
// The file can be watched for changes so transfer-policy edits take
// effect without a restart.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/trailbook/trailbook/internal/conflict"
)

// Config is the full engine configuration.
type Config struct {
	// Database is the path to the local SQLite database.
	Database string `mapstructure:"database"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// RemoteConfig points the engine at the backend.
type RemoteConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry_max"`
}

// SyncConfig controls cycle behavior.
type SyncConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CloudOnlyStorage bool          `mapstructure:"cloud_only_storage"`
	Strategy         string        `mapstructure:"strategy"`
	Interval         time.Duration `mapstructure:"interval"`
	StageTimeout     time.Duration `mapstructure:"stage_timeout"`
}

// NetworkConfig is the user's transfer policy.
type NetworkConfig struct {
	WiFiOnly     bool `mapstructure:"wifi_only"`
	AvoidMetered bool `mapstructure:"avoid_metered"`
}

// QueueConfig tunes the offline mutation queue.
type QueueConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// DashboardConfig controls the optional WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig controls daemon log rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Loader reads and watches one configuration source.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader. If path is empty the loader searches for
// trailbook.yaml in the working directory and ~/.config/trailbook.
func NewLoader(path string) *Loader {
	v := viper.New()

	v.SetDefault("database", "trailbook.db")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.retry_max", 3)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.cloud_only_storage", false)
	v.SetDefault("sync.strategy", string(conflict.StrategyLastWriteWins))
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.stage_timeout", 2*time.Minute)
	v.SetDefault("network.wifi_only", false)
	v.SetDefault("network.avoid_metered", false)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8477)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trailbook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/trailbook")
	}

	v.SetEnvPrefix("TRAILBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads the configuration. A missing file is only an error when an
// explicit path was given; otherwise defaults and environment apply.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch reloads the configuration whenever the file changes and hands the
// result to onChange. Reload errors are reported through onError and the
// previous configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("failed to parse config: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onError(err)
			return
		}
		onChange(&cfg)
	})
	l.v.WatchConfig()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if !conflict.Strategy(c.Sync.Strategy).IsValid() {
		return fmt.Errorf("unknown conflict strategy: %q", c.Sync.Strategy)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue max_retries must be at least 1")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// Strategy returns the configured conflict strategy.
func (c *Config) Strategy() conflict.Strategy {
	return conflict.Strategy(c.Sync.Strategy)
}
