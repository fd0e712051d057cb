package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"log level", func(c *Config) string { return c.Log.Level }, "info"},
		{"log format", func(c *Config) string { return c.Log.Format }, "text"},
		{"log file", func(c *Config) string { return c.Log.File }, ""},
		{"save dir", func(c *Config) string { return c.Pull.SaveDir }, "."},
		{"platform", func(c *Config) string { return c.Pull.Platform }, "linux/amd64"},
		{"db path", func(c *Config) string { return c.History.DBPath }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Pull.Workers != 5 {
		t.Errorf("Pull.Workers = %d, want 5", cfg.Pull.Workers)
	}
	if cfg.Pull.Timeout != 90*time.Second {
		t.Errorf("Pull.Timeout = %v, want 90s", cfg.Pull.Timeout)
	}
	if !cfg.History.Enabled {
		t.Errorf("History.Enabled = false, want true")
	}
	if cfg.Registries == nil {
		t.Errorf("Registries = nil, want non-nil map")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "regpull.yaml")

	configContent := `
log:
  level: debug
  format: json
  file: /tmp/regpull.log
pull:
  save_dir: /images
  workers: 8
  platform: linux/arm64/v8
  timeout: 2m
  legacy_layer_ids: true
history:
  enabled: false
  db_path: /var/lib/regpull/history.db
registries:
  harbor:
    host: harbor.example.com
    scheme: https
    username: robot
    password: s3cret
    insecure: true
    basic_auth: true
`
	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" || cfg.Log.File != "/tmp/regpull.log" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Pull.SaveDir != "/images" || cfg.Pull.Workers != 8 || cfg.Pull.Platform != "linux/arm64/v8" {
		t.Errorf("unexpected pull config: %+v", cfg.Pull)
	}
	if cfg.Pull.Timeout != 2*time.Minute {
		t.Errorf("Pull.Timeout = %v, want 2m", cfg.Pull.Timeout)
	}
	if !cfg.Pull.LegacyLayerIDs {
		t.Error("expected legacy_layer_ids to be true")
	}
	if cfg.History.Enabled || cfg.HistoryDBPath() != "/var/lib/regpull/history.db" {
		t.Errorf("unexpected history config: %+v", cfg.History)
	}
	h, ok := cfg.Registries["harbor"]
	if !ok {
		t.Fatal("expected harbor registry entry")
	}
	if h.Host != "harbor.example.com" || h.Username != "robot" || h.Password != "s3cret" || !h.Insecure || !h.BasicAuth {
		t.Errorf("unexpected registry config: %+v", h)
	}
}

// TestLoadPartialKeepsDefaults verifies unspecified sections keep defaults
func TestLoadPartialKeepsDefaults(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "regpull.yaml")
	if err := os.WriteFile(configFile, []byte("pull:\n  workers: 2\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pull.Workers != 2 {
		t.Errorf("Pull.Workers = %d, want 2", cfg.Pull.Workers)
	}
	if cfg.Pull.Platform != "linux/amd64" || cfg.Log.Level != "info" {
		t.Errorf("expected defaults to survive, got %+v / %+v", cfg.Pull, cfg.Log)
	}
	if cfg.Registries == nil {
		t.Error("expected registries map to be initialized")
	}
}

// TestLoadErrors covers missing, malformed and invalid files
func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	tests := map[string]string{
		"malformed":    "log: [unclosed",
		"bad level":    "log:\n  level: loud\n",
		"bad format":   "log:\n  format: xml\n",
		"bad workers":  "pull:\n  workers: -1\n",
		"bad platform": "pull:\n  platform: linux\n",
		"bad scheme":   "registries:\n  x:\n    host: x.example.com\n    scheme: ftp\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

// TestSaveRoundTrip verifies Save output loads back
func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "regpull.yaml")
	cfg := DefaultConfig()
	cfg.Pull.Timeout = 45 * time.Second
	cfg.Registries["local"] = RegistryConfig{Host: "localhost:5000", Scheme: "http"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Pull.Timeout != 45*time.Second {
		t.Errorf("Pull.Timeout = %v, want 45s", loaded.Pull.Timeout)
	}
	if loaded.Registries["local"].Host != "localhost:5000" {
		t.Errorf("unexpected registries: %+v", loaded.Registries)
	}
}

// TestRegistryLookup verifies lookup by key, by host and env overrides
func TestRegistryLookup(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")

	cfg := DefaultConfig()
	cfg.Registries["harbor"] = RegistryConfig{Host: "https://harbor.example.com/", Username: "u", Password: "p"}

	if r := cfg.Registry("harbor"); r.Username != "u" {
		t.Errorf("lookup by key: %+v", r)
	}
	if r := cfg.Registry("harbor.example.com"); r.Username != "u" {
		t.Errorf("lookup by host: %+v", r)
	}
	r := cfg.Registry("quay.io")
	if r.Host != "quay.io" || r.Username != "" {
		t.Errorf("unknown host should be anonymous: %+v", r)
	}

	t.Setenv(EnvUsername, "env-user")
	t.Setenv(EnvPassword, "env-pass")
	r = cfg.Registry("harbor.example.com")
	if r.Username != "env-user" || r.Password != "env-pass" {
		t.Errorf("expected env override, got %+v", r)
	}
}

// TestFindConfigFile finds regpull.yaml in the working directory
func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := os.WriteFile("regpull.yaml", []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	path, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() error = %v", err)
	}
	if path != "regpull.yaml" {
		t.Errorf("path = %q, want regpull.yaml", path)
	}
}
