// Package config resolves the proxy's own configuration from defaults, an
// optional config.yaml in the config directory, and ONE_MCP_* environment
// variables, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"onemcp/pkg/logging"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	userConfigDir   = ".config/onemcp"
	configFileName  = "config.yaml"
	catalogFileName = "mcp.json"
	presetsFileName = "presets.json"
	sessionsDirName = "sessions"
)

// Config holds every setting the proxy needs at startup.
type Config struct {
	// ConfigDir is the directory holding mcp.json, presets.json and the
	// sessions store. Empty means the per-user default.
	ConfigDir string `yaml:"-" env:"ONE_MCP_CONFIG_DIR"`

	// CatalogPath overrides the catalog file location. Empty means
	// <ConfigDir>/mcp.json.
	CatalogPath string `yaml:"-" env:"ONE_MCP_CONFIG"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel" env:"ONE_MCP_LOG_LEVEL"`

	// Name is how the proxy identifies itself to inbound clients and in
	// the self-loop guard.
	Name string `yaml:"name"`

	// Host and Port bind the HTTP transports.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Transport selects the inbound surface: "http" serves the streamable
	// HTTP and SSE endpoints, "stdio" serves a single session on the
	// process pipes.
	Transport string `yaml:"transport"`

	// Pagination is the default for list requests when the session does
	// not say otherwise via the pagination query parameter.
	Pagination bool `yaml:"pagination"`

	// Tags pre-filters the outbound set for stdio sessions, which have no
	// query string to carry a filter.
	Tags []string `yaml:"tags"`

	Auth  AuthConfig  `yaml:"auth"`
	Retry RetryConfig `yaml:"retry"`
}

// AuthConfig controls the OAuth 2.1 endpoints and bearer-token gating.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// TokenTTL is the access-token lifetime. Defaults to 24h.
	TokenTTL time.Duration `yaml:"tokenTTL"`

	// CodeTTL is the authorization-code lifetime. Defaults to 10m.
	CodeTTL time.Duration `yaml:"codeTTL"`

	// RateLimit is the per-IP request budget per minute on the OAuth
	// endpoints.
	RateLimit int `yaml:"rateLimit"`
}

// RetryConfig is the per-request retry policy applied by the dispatcher.
// Request timeouts are per catalog entry, not global.
type RetryConfig struct {
	Count int           `yaml:"count"`
	Delay time.Duration `yaml:"delay"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:   "info",
		Name:       "1mcp",
		Host:       "127.0.0.1",
		Port:       3050,
		Transport:  "http",
		Pagination: false,
		Auth: AuthConfig{
			Enabled:   false,
			TokenTTL:  24 * time.Hour,
			CodeTTL:   10 * time.Minute,
			RateLimit: 10,
		},
		Retry: RetryConfig{
			Count: 0,
			Delay: time.Second,
		},
	}
}

// DefaultConfigDirOrPanic resolves the per-user config directory. Failure to
// resolve a home directory is a fatal startup condition.
func DefaultConfigDirOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if profile := os.Getenv("USERPROFILE"); profile != "" {
			return filepath.Join(profile, userConfigDir)
		}
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// Load builds the effective configuration: defaults, overlaid with
// config.yaml from the config directory if present, overlaid with ONE_MCP_*
// environment variables.
func Load(configDir string) (Config, error) {
	cfg := Default()

	if configDir == "" {
		configDir = DefaultConfigDirOrPanic()
	}
	cfg.ConfigDir = configDir

	configFilePath := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Debug("Config", "No config.yaml at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing %s: %w", configFilePath, err)
		}
		logging.Info("Config", "Loaded configuration from %s", configFilePath)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error reading environment: %w", err)
	}

	// The environment may have redirected the config dir after the YAML
	// pass; keep derived paths consistent with the final value.
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = configDir
	}

	return cfg, nil
}

// CatalogFile returns the effective catalog path.
func (c Config) CatalogFile() string {
	if c.CatalogPath != "" {
		return c.CatalogPath
	}
	return filepath.Join(c.ConfigDir, catalogFileName)
}

// PresetsFile returns the preset store path.
func (c Config) PresetsFile() string {
	return filepath.Join(c.ConfigDir, presetsFileName)
}

// SessionsDir returns the OAuth file-store directory.
func (c Config) SessionsDir() string {
	return filepath.Join(c.ConfigDir, sessionsDirName)
}

// ListenAddr returns the host:port the HTTP transports bind to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
