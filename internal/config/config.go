package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Assist bridge process
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig defines the message channel listener
type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
}

// BackendsConfig holds the fallback candidate URLs used when the user has
// not stored an apiConfig of their own.
type BackendsConfig struct {
	LocalURL string `mapstructure:"local_url" yaml:"local_url"`
	CloudURL string `mapstructure:"cloud_url" yaml:"cloud_url"`
}

// HealthConfig defines the health-check schedule and probe settings
type HealthConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Interval     string `mapstructure:"interval" yaml:"interval"`
	ProbeTimeout string `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	Path         string `mapstructure:"path" yaml:"path"`
	StaleAfter   string `mapstructure:"stale_after" yaml:"stale_after"`
}

// DispatchConfig defines outgoing data request settings
type DispatchConfig struct {
	Timeout   string `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

// StorageConfig selects the persistent key-value store driver
type StorageConfig struct {
	Driver  string        `mapstructure:"driver" yaml:"driver"`
	Path    string        `mapstructure:"path" yaml:"path,omitempty"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis,omitempty"`
	Keyring KeyringConfig `mapstructure:"keyring" yaml:"keyring,omitempty"`
}

// RedisConfig holds configuration for the Redis store
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db,omitempty"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

// KeyringConfig holds the OS keychain service name
type KeyringConfig struct {
	Service string `mapstructure:"service" yaml:"service,omitempty"`
}

// LoggingConfig defines log output
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 3 * time.Second
	defaultStaleAfter   = 5 * time.Minute
	defaultDispatch     = 60 * time.Second
	envPrefix           = "ASSIST"
)

// Storage drivers
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverRedis   = "redis"
	DriverKeyring = "keyring"
)

// Default returns a configuration that talks to a backend on localhost first
// and stores state in ~/.assist-bridge/state.db.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Backends: BackendsConfig{
			LocalURL: "http://127.0.0.1:8000",
		},
		Health: HealthConfig{
			Enabled:      true,
			Interval:     defaultInterval.String(),
			ProbeTimeout: defaultProbeTimeout.String(),
			Path:         "/health",
			StaleAfter:   defaultStaleAfter.String(),
		},
		Dispatch: DispatchConfig{
			Timeout:   defaultDispatch.String(),
			UserAgent: "Assist-Bridge/1.0.0",
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "~/.assist-bridge/state.db",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "assist:",
			},
			Keyring: KeyringConfig{
				Service: "assist-bridge",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns ~/.assist-bridge/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".assist-bridge", "config.yaml")
	}
	return filepath.Join(home, ".assist-bridge", "config.yaml")
}

// LoadFromPath reads configuration from path and merges ASSIST_ environment
// overrides (for example ASSIST_SERVER_PORT or ASSIST_BACKENDS_CLOUD_URL).
// A missing file is created with default values first.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Default().SaveToPath(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Storage.Path = expandPath(cfg.Storage.Path)

	return &cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Health.Path == "" {
		c.Health.Path = d.Health.Path
	}
	if c.Dispatch.UserAgent == "" {
		c.Dispatch.UserAgent = d.Dispatch.UserAgent
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Storage.Keyring.Service == "" {
		c.Storage.Keyring.Service = d.Storage.Keyring.Service
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// SaveToPath writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	for name, raw := range map[string]string{
		"backends.local_url": c.Backends.LocalURL,
		"backends.cloud_url": c.Backends.CloudURL,
	} {
		if raw == "" {
			continue
		}
		if err := ValidateBackendURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for name, raw := range map[string]string{
		"health.interval":      c.Health.Interval,
		"health.probe_timeout": c.Health.ProbeTimeout,
		"health.stale_after":   c.Health.StaleAfter,
		"dispatch.timeout":     c.Dispatch.Timeout,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, raw)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if !strings.HasPrefix(c.Health.Path, "/") {
		return fmt.Errorf("health.path must start with '/', got %q", c.Health.Path)
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverKeyring:
	case DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid storage driver '%s', must be one of: memory, sqlite, redis, keyring", c.Storage.Driver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format '%s', must be 'json' or 'text'", c.Logging.Format)
	}

	return nil
}

// ValidateBackendURL accepts absolute http and https URLs only.
func ValidateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// GetInterval returns the health-check interval as a time.Duration
func (h *HealthConfig) GetInterval() time.Duration {
	return parseDuration(h.Interval, defaultInterval)
}

// GetProbeTimeout returns the per-probe timeout
func (h *HealthConfig) GetProbeTimeout() time.Duration {
	return parseDuration(h.ProbeTimeout, defaultProbeTimeout)
}

// GetStaleAfter returns how long a successful probe counts when no schedule runs
func (h *HealthConfig) GetStaleAfter() time.Duration {
	return parseDuration(h.StaleAfter, defaultStaleAfter)
}

// GetTimeout returns the timeout as a time.Duration
func (d *DispatchConfig) GetTimeout() time.Duration {
	return parseDuration(d.Timeout, defaultDispatch)
}

// Addr returns host:port for the listener
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
