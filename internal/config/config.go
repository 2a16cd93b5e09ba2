package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "Asia/Seoul"
	defaultWeekStart      = "monday"
	defaultMaxOccurrences = 1000
	defaultMaxWindowDays  = 366
	defaultDatabase       = "studycal.db"
	defaultSyncCron       = "*/5 * * * *"
	defaultRedisPrefix    = "studycal:"
	defaultRedisTimeout   = "5s"
	defaultLogLevel       = "info"

	// Below a year of daily occurrences the cap would cut ordinary views short.
	minMaxOccurrences = 366
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RedisConfig describes the optional remote event store.
type RedisConfig struct {
	// Address enables the remote store when non-empty (e.g. "localhost:6379").
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// Prefix is prepended to every key.
	Prefix string `yaml:"prefix" json:"prefix"`
	// Timeout bounds each remote call, as a Go duration string.
	Timeout string `yaml:"timeout" json:"timeout"`
}

// SyncConfig controls background synchronisation with the remote store.
type SyncConfig struct {
	// Cron is a cron-style schedule (e.g. "*/5 * * * *") for outbox replay
	// and remote refresh.
	Cron  string      `yaml:"cron" json:"cron"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as canonical display zone (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday starts the default query window.
	// Supported values:
	//   - "monday" (default)
	//   - "sunday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// MaxOccurrences caps the instances produced per recurring series.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// MaxWindowDays bounds the length of a query window.
	MaxWindowDays int `yaml:"max_window_days" json:"max_window_days"`

	// Database is the SQLite cache path.
	Database string `yaml:"database" json:"database"`

	Sync SyncConfig `yaml:"sync" json:"sync"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		WeekStart:      defaultWeekStart,
		MaxOccurrences: defaultMaxOccurrences,
		MaxWindowDays:  defaultMaxWindowDays,
		Database:       defaultDatabase,
		Sync: SyncConfig{
			Cron: defaultSyncCron,
			Redis: RedisConfig{
				Prefix:  defaultRedisPrefix,
				Timeout: defaultRedisTimeout,
			},
		},
		BasicAuth: nil,
		LogLevel:  defaultLogLevel,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}

	c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart))
	switch c.WeekStart {
	case "monday", "sunday":
		// ok
	default:
		// Unknown value; fall back to monday to avoid surprising windows.
		c.WeekStart = defaultWeekStart
	}

	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	} else if c.MaxOccurrences < minMaxOccurrences {
		c.MaxOccurrences = minMaxOccurrences
	}
	if c.MaxWindowDays <= 0 {
		c.MaxWindowDays = defaultMaxWindowDays
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = defaultSyncCron
	}
	if c.Sync.Redis.Prefix == "" {
		c.Sync.Redis.Prefix = defaultRedisPrefix
	}
	if d, err := time.ParseDuration(c.Sync.Redis.Timeout); err != nil || d <= 0 {
		c.Sync.Redis.Timeout = defaultRedisTimeout
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaultLogLevel
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// FirstWeekday returns the weekday that starts the default query window.
func (c *Config) FirstWeekday() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// MaxWindow returns the longest accepted query window.
func (c *Config) MaxWindow() time.Duration {
	days := c.MaxWindowDays
	if days <= 0 {
		days = defaultMaxWindowDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// RedisTimeout returns the parsed per-call timeout for the remote store.
func (c *Config) RedisTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sync.Redis.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultRedisTimeout)
	}
	return d
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to path atomically (temp file +
// rename) with 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".studycal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
