// Package config handles starling-go configuration loading. Configuration
// governs the ambient host-process concerns around the runtime (admin
// server bind address, egress policy, diagnostics persistence) — it is
// not part of the JS-visible surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/starling/config.yaml, /config/config.yaml,
// /etc/starling/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "starling", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/starling/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found. A missing
// config file is not fatal for callers: starling-go runs with Default()
// when none is found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all starling-go configuration.
type Config struct {
	Admin       AdminConfig       `yaml:"admin"`
	Egress      EgressConfig      `yaml:"egress"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	LogLevel    string            `yaml:"log_level"`
}

// AdminConfig controls the optional introspection/diagnostics server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // bind address, "" = all interfaces
	Port    int    `yaml:"port"`
}

// EgressConfig restricts which hosts fetch() may reach. An empty
// AllowHosts list means unrestricted (development default); in
// production a host environment is expected to supply an explicit list.
type EgressConfig struct {
	AllowHosts []string `yaml:"allow_hosts"` // glob patterns, e.g. "*.example.com"
}

// FetchConfig controls default behavior of the outgoing fetch path.
// The runtime itself never imposes a per-request timeout;
// this is the shared *http.Client dial/handshake timeout, not a fetch()
// deadline.
type FetchConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxBodySize int64         `yaml:"max_body_size"`
}

// DiagnosticsConfig controls where diagnostic records (host errors,
// network errors, event-loop stalls, unhandled rejections) are kept in
// addition to being logged.
type DiagnosticsConfig struct {
	SQLitePath string `yaml:"sqlite_path"` // empty disables persistence
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${STARLING_ADMIN_PORT}). A
	// convenience for container deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Admin.Port == 0 {
		c.Admin.Port = 8787
	}
	if c.Fetch.DialTimeout == 0 {
		c.Fetch.DialTimeout = 10 * time.Second
	}
	if c.Fetch.MaxBodySize == 0 {
		c.Fetch.MaxBodySize = 32 * 1024 * 1024
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("admin.port %d out of range (1-65535)", c.Admin.Port)
	}
	if c.Fetch.DialTimeout < 0 {
		return fmt.Errorf("fetch.dial_timeout must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: admin server disabled, egress unrestricted, diagnostics
// logged but not persisted. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
