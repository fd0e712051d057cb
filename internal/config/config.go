package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/regpull/internal/platform"
)

// Environment variables that override registry credentials.
const (
	EnvUsername = "REGPULL_USERNAME"
	EnvPassword = "REGPULL_PASSWORD"
)

// Config is the top-level configuration
type Config struct {
	Log        LogConfig                 `yaml:"log"`
	Pull       PullConfig                `yaml:"pull"`
	History    HistoryConfig             `yaml:"history"`
	Registries map[string]RegistryConfig `yaml:"registries"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// PullConfig holds defaults for image pulls
type PullConfig struct {
	SaveDir        string        `yaml:"save_dir"`
	Workers        int           `yaml:"workers"`
	Platform       string        `yaml:"platform"`
	Timeout        time.Duration `yaml:"timeout"`
	LegacyLayerIDs bool          `yaml:"legacy_layer_ids"`
}

// HistoryConfig holds pull history settings
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// RegistryConfig holds connection settings for one registry
type RegistryConfig struct {
	Host     string `yaml:"host"`
	Scheme   string `yaml:"scheme"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`
	// BasicAuth answers Basic challenges with the configured credentials.
	BasicAuth bool `yaml:"basic_auth"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Pull: PullConfig{
			SaveDir:  ".",
			Workers:  5,
			Platform: platform.Default().String(),
			Timeout:  90 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Registries: make(map[string]RegistryConfig),
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Registries == nil {
		cfg.Registries = make(map[string]RegistryConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a pull.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	if c.Pull.Workers < 0 {
		return fmt.Errorf("pull.workers must not be negative")
	}
	if c.Pull.Timeout < 0 {
		return fmt.Errorf("pull.timeout must not be negative")
	}
	if _, err := platform.Parse(c.Pull.Platform); err != nil {
		return fmt.Errorf("pull.platform: %w", err)
	}
	for name, r := range c.Registries {
		switch strings.ToLower(r.Scheme) {
		case "", "http", "https":
		default:
			return fmt.Errorf("registries.%s.scheme %q must be http or https", name, r.Scheme)
		}
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"regpull.yaml",
		"/etc/regpull/regpull.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "regpull", "regpull.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DefaultConfigPath is where "config init" writes when no path is given.
func DefaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "regpull", "regpull.yaml")
	}
	return "regpull.yaml"
}

// HistoryDBPath returns the SQLite path for pull history.
func (c *Config) HistoryDBPath() string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "regpull", "history.db")
	}
	return "regpull.db"
}

// Registry returns the settings for host, matched by entry name or by its
// host field. Unknown hosts get an anonymous entry. REGPULL_USERNAME and
// REGPULL_PASSWORD override the stored credentials when set.
func (c *Config) Registry(host string) RegistryConfig {
	want := trimHost(host)
	rc := RegistryConfig{Host: want}
	if r, ok := c.Registries[host]; ok {
		rc = r
	} else {
		for _, r := range c.Registries {
			if trimHost(r.Host) == want {
				rc = r
				break
			}
		}
	}
	if rc.Host == "" {
		rc.Host = want
	}
	if u := os.Getenv(EnvUsername); u != "" {
		rc.Username = u
	}
	if p := os.Getenv(EnvPassword); p != "" {
		rc.Password = p
	}
	return rc
}

func trimHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimRight(h, "/")
}
