// Package config loads possync settings with viper.
//
// Settings come from, in increasing precedence: built-in defaults, a config
// file (possync.yaml or possync.toml in the working directory or
// $HOME/.config/possync, or an explicit path), and POSSYNC_* environment
// variables (POSSYNC_SYNC_INTERVAL overrides sync.interval).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline/connectivity"
	"github.com/tiendapos/possync/internal/offline/metrics"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/remote"
	offsync "github.com/tiendapos/possync/internal/offline/sync"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSSYNC"

// Config is the full settings tree.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	MasterData   MasterDataConfig   `mapstructure:"masterdata"`
	Log          LogConfig          `mapstructure:"log"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type StoreConfig struct {
	Path       string        `mapstructure:"path"`
	QuotaBytes int64         `mapstructure:"quota_bytes"`
	Retention  time.Duration `mapstructure:"retention"`
}

type RemoteConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	HealthPath      string        `mapstructure:"health_path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Token           string        `mapstructure:"token"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	InFlightTimeout time.Duration `mapstructure:"inflight_timeout"`
}

type ConnectivityConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type MetricsConfig struct {
	HistorySize        int     `mapstructure:"history_size"`
	StorageWarnPercent float64 `mapstructure:"storage_warn_percent"`
}

type MasterDataConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// defaults returns every key with its default value, grouped by section.
// Durations are kept as strings so the same table feeds viper and the
// generated TOML file.
func defaults() map[string]map[string]any {
	q := queue.DefaultConfig()
	e := offsync.DefaultConfig()
	c := connectivity.DefaultConfig()
	m := metrics.DefaultConfig()
	l := logging.DefaultConfig()

	return map[string]map[string]any{
		"store": {
			"path":        filepath.Join(".possync", "possync.db"),
			"quota_bytes": int64(0),
			"retention":   e.Retention.String(),
		},
		"remote": {
			"base_url":           "http://localhost:3000",
			"health_path":        "/api/health",
			"timeout":            (15 * time.Second).String(),
			"token":              "",
			"rate_limit_per_min": 0,
			"max_attempts":       3,
		},
		"sync": {
			"interval":         (5 * time.Minute).String(),
			"concurrency":      e.Concurrency,
			"max_retries":      q.MaxRetries,
			"initial_backoff":  q.InitialBackoff.String(),
			"max_backoff":      q.MaxBackoff.String(),
			"inflight_timeout": q.InFlightTimeout.String(),
		},
		"connectivity": {
			"debounce":       c.Debounce.String(),
			"probe_interval": c.ProbeInterval.String(),
			"probe_timeout":  c.ProbeTimeout.String(),
		},
		"metrics": {
			"history_size":         m.HistorySize,
			"storage_warn_percent": m.StorageWarnPercent,
		},
		"masterdata": {
			"cache_ttl": e.MasterDataTTL.String(),
		},
		"log": {
			"level":        l.Level,
			"format":       l.Format,
			"file":         "",
			"max_size_mb":  l.MaxSizeMB,
			"max_backups":  l.MaxBackups,
			"max_age_days": l.MaxAgeDays,
		},
		"dashboard": {
			"port": 8080,
		},
	}
}

// Keys lists every setting as section.key.
func Keys() []string {
	var keys []string
	for section, values := range defaults() {
		for key := range values {
			keys = append(keys, section+"."+key)
		}
	}
	return keys
}

// NewViper returns a viper instance with defaults and environment
// overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()
	for section, values := range defaults() {
		for key, value := range values {
			v.SetDefault(section+"."+key, value)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the settings. An explicit path must exist; without one the
// usual locations are searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Effective returns the merged settings as nested maps, with remote.token
// masked, and the config file they were read from.
func Effective(path string) (map[string]any, string, error) {
	v, err := read(path)
	if err != nil {
		return nil, "", err
	}
	if _, err := decode(v); err != nil {
		return nil, "", err
	}
	settings := v.AllSettings()
	if r, ok := settings["remote"].(map[string]any); ok {
		if token, _ := r["token"].(string); token != "" {
			r["token"] = "********"
		}
	}
	return settings, v.ConfigFileUsed(), nil
}

func read(path string) (*viper.Viper, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("possync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "possync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("sync.concurrency must be at least 1"))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, errors.New("sync.max_retries must be at least 1"))
	}
	if c.Metrics.StorageWarnPercent <= 0 || c.Metrics.StorageWarnPercent > 100 {
		errs = append(errs, errors.New("metrics.storage_warn_percent must be in (0, 100]"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WriteDefault writes the default settings to path as TOML. An existing
// file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, "# possync configuration. Environment variables POSSYNC_<SECTION>_<KEY> override these values."); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(defaults()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// LoggingConfig maps the log section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// QueueConfig maps the retry policy.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxRetries:      c.Sync.MaxRetries,
		InitialBackoff:  c.Sync.InitialBackoff,
		MaxBackoff:      c.Sync.MaxBackoff,
		InFlightTimeout: c.Sync.InFlightTimeout,
	}
}

// EngineConfig maps the sync engine settings.
func (c *Config) EngineConfig() offsync.Config {
	return offsync.Config{
		Concurrency:   c.Sync.Concurrency,
		Retention:     c.Store.Retention,
		MasterDataTTL: c.MasterData.CacheTTL,
	}
}

// MonitorConfig maps the connectivity section.
func (c *Config) MonitorConfig() connectivity.Config {
	return connectivity.Config{
		Debounce:      c.Connectivity.Debounce,
		ProbeInterval: c.Connectivity.ProbeInterval,
		ProbeTimeout:  c.Connectivity.ProbeTimeout,
	}
}

// MetricsConfig maps the metrics section.
func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		HistorySize:        c.Metrics.HistorySize,
		StorageWarnPercent: c.Metrics.StorageWarnPercent,
		QuotaBytes:         c.Store.QuotaBytes,
	}
}

// HTTPConfig maps the remote section.
func (c *Config) HTTPConfig() remote.HTTPConfig {
	cfg := remote.HTTPConfig{
		BaseURL:         c.Remote.BaseURL,
		HealthPath:      c.Remote.HealthPath,
		Timeout:         c.Remote.Timeout,
		RateLimitPerMin: c.Remote.RateLimitPerMin,
		Retry:           remote.RetryConfig{MaxAttempts: c.Remote.MaxAttempts},
	}
	if c.Remote.Token != "" {
		cfg.Tokens = remote.StaticToken(c.Remote.Token)
	}
	return cfg
}
