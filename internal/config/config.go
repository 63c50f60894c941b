// Package config handles ruleforge configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruleforge/ruleforge/internal/types"
)

// Config is the top-level ruleforge configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Remote   RemoteConfig   `yaml:"remote"`
	Tester   TesterConfig   `yaml:"tester"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Importer ImporterConfig `yaml:"importer"`
	Wizard   WizardConfig   `yaml:"wizard"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP gateway.
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"` // e.g., 127.0.0.1:8090
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxSessions  int           `yaml:"max_sessions"` // wizard sessions kept in memory
}

// StorageConfig controls the local persistence layer.
type StorageConfig struct {
	Driver string `yaml:"driver"` // only "sqlite"
	DSN    string `yaml:"dsn"`    // file path or :memory:
}

// RemoteConfig points rule submission at a remote persistence API instead of local storage.
type RemoteConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"` // may be ${RULEFORGE_REMOTE_URL}
	Timeout time.Duration `yaml:"timeout"`
}

// TesterConfig points at the test-execution service.
type TesterConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CatalogConfig overrides the built-in test catalog.
type CatalogConfig struct {
	Path string `yaml:"path"` // empty = embedded catalog
}

// ImporterConfig controls the draft directory watcher.
type ImporterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// WizardConfig seeds new drafts.
type WizardConfig struct {
	DefaultRuleName string `yaml:"default_rule_name"`
	DefaultGroup    string `yaml:"default_group"`
	DefaultSeverity string `yaml:"default_severity"` // low, medium, high, critical
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ResolveEnv replaces ${VAR} references in config strings with their env values.
func ResolveEnv(s string) string {
	if len(s) > 3 && s[0] == '$' && s[1] == '{' && s[len(s)-1] == '}' {
		envKey := s[2 : len(s)-1]
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return s
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:8090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxSessions:  256,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "./data/ruleforge.db",
		},
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Tester: TesterConfig{
			Timeout: 30 * time.Second,
		},
		Importer: ImporterConfig{
			Dir: "./drafts",
		},
		Wizard: WizardConfig{
			DefaultGroup:    types.DefaultRuleGroup,
			DefaultSeverity: "medium",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks required fields and constraints, filling in floors for
// numeric settings and resolving ${VAR} URLs.
func (c *Config) Validate() error {
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver must be 'sqlite', got %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.MaxSessions < 1 {
		c.Server.MaxSessions = 1
	}

	c.Remote.BaseURL = ResolveEnv(c.Remote.BaseURL)
	c.Tester.BaseURL = ResolveEnv(c.Tester.BaseURL)

	if c.Remote.Enabled && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required when remote is enabled")
	}
	if c.Tester.Enabled && c.Tester.BaseURL == "" {
		return fmt.Errorf("tester.base_url is required when tester is enabled")
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Tester.Timeout <= 0 {
		c.Tester.Timeout = 30 * time.Second
	}
	if c.Importer.Enabled && c.Importer.Dir == "" {
		return fmt.Errorf("importer.dir is required when importer is enabled")
	}

	switch c.Wizard.DefaultSeverity {
	case "", "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("wizard.default_severity must be low, medium, high or critical, got %q", c.Wizard.DefaultSeverity)
	}
	if c.Wizard.DefaultGroup == "" {
		c.Wizard.DefaultGroup = types.DefaultRuleGroup
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 1 {
		c.Logging.MaxSizeMB = 1
	}

	return nil
}
