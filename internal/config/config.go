// ABOUTME: Configuration loading and parsing for the ums-session client
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete ums-session configuration
type Config struct {
	Account    AccountConfig    `yaml:"account" toml:"account"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// AccountConfig selects the brand account and optional skill routing
type AccountConfig struct {
	ID      string `yaml:"id" toml:"id"`
	SkillID string `yaml:"skill_id" toml:"skill_id"`
}

// AuthConfig holds the identity backend endpoints and connector names
type AuthConfig struct {
	ResolverURL       string `yaml:"resolver_url" toml:"resolver_url"`
	DirectoryURL      string `yaml:"directory_url" toml:"directory_url"` // empty disables profile lookups
	PrimaryConnector  string `yaml:"primary_connector" toml:"primary_connector"`
	ElevatedConnector string `yaml:"elevated_connector" toml:"elevated_connector"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// ConnectionConfig holds socket timing and the reconnect policy
type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	RetryDelay        time.Duration `yaml:"-" toml:"-"`
	DialTimeout       time.Duration `yaml:"-" toml:"-"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	RetryDelayRaw        string `yaml:"retry_delay" toml:"retry_delay"`
	DialTimeoutRaw       string `yaml:"dial_timeout" toml:"dial_timeout"`
}

// SessionConfig holds conversation-level timing and cache sizes
type SessionConfig struct {
	SettleDelay        time.Duration `yaml:"-" toml:"-"`
	SecureFormTimeout  time.Duration `yaml:"-" toml:"-"`
	DirectoryCacheSize int           `yaml:"directory_cache_size" toml:"directory_cache_size"`

	SettleDelayRaw       string `yaml:"settle_delay" toml:"settle_delay"`
	SecureFormTimeoutRaw string `yaml:"secure_form_timeout" toml:"secure_form_timeout"`
}

// StorageConfig holds the durable key/value store location
type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// Default returns a Config carrying every default. Load decodes on top of it, so
// files only need the fields they change.
func Default() *Config {
	cfg := &Config{
		Auth: AuthConfig{
			RequestTimeoutRaw: "15s",
		},
		Connection: ConnectionConfig{
			MaxRetries:           5,
			HeartbeatIntervalRaw: "60s",
			RetryDelayRaw:        "2s",
			DialTimeoutRaw:       "10s",
		},
		Session: SessionConfig{
			DirectoryCacheSize:   256,
			SettleDelayRaw:       "300ms",
			SecureFormTimeoutRaw: "60s",
		},
		Storage: StorageConfig{Path: "ums-session.db"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
	// The defaults above always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("account.id is required")
	}
	if c.Auth.ResolverURL == "" {
		return fmt.Errorf("auth.resolver_url is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("connection.max_retries must not be negative")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return fmt.Errorf("connection.heartbeat_interval must be positive")
	}
	if c.Session.DirectoryCacheSize <= 0 {
		return fmt.Errorf("session.directory_cache_size must be positive")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", cfg.Auth.RequestTimeoutRaw, &cfg.Auth.RequestTimeout},
		{"heartbeat_interval", cfg.Connection.HeartbeatIntervalRaw, &cfg.Connection.HeartbeatInterval},
		{"retry_delay", cfg.Connection.RetryDelayRaw, &cfg.Connection.RetryDelay},
		{"dial_timeout", cfg.Connection.DialTimeoutRaw, &cfg.Connection.DialTimeout},
		{"settle_delay", cfg.Session.SettleDelayRaw, &cfg.Session.SettleDelay},
		{"secure_form_timeout", cfg.Session.SecureFormTimeoutRaw, &cfg.Session.SecureFormTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
