// Package config loads wabridge configuration from YAML with
// WABRIDGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all wabridge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// WhatsApp session lifecycle
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP bridge.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WhatsAppConfig configures the session manager and the browser-backed
// chat client. Durations are yaml strings ("90s", "2h") parsed at load.
type WhatsAppConfig struct {
	// On-disk layout. AuthDir holds per-session credentials and the
	// session-state markers; CacheDir holds per-session web caches.
	DataDir  string `yaml:"data_dir"`
	AuthDir  string `yaml:"auth_dir"`
	CacheDir string `yaml:"cache_dir"`

	// Browser launch
	ChromePath string `yaml:"chrome_path"`
	Headless   bool   `yaml:"headless"`

	QRTimeout            string `yaml:"qr_timeout"`
	InitTimeout          string `yaml:"init_timeout"`
	BrowserLaunchTimeout string `yaml:"browser_launch_timeout"`
	ClientInitDelay      string `yaml:"client_init_delay"`

	CleanupInterval string `yaml:"cleanup_interval"`
	InactiveTimeout string `yaml:"inactive_timeout"`

	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	RetryDelay           string `yaml:"retry_delay"`
	ReconnectDelayCap    string `yaml:"reconnect_delay_cap"`
}

// LoggingConfig configures the category file loggers.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration. The timeout and
// retry values match the production service this replaced.
func DefaultConfig() *Config {
	return &Config{
		Name:    "wabridge",
		Version: "1.0.0",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3001,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		WhatsApp: WhatsAppConfig{
			DataDir:              ".wabridge",
			AuthDir:              "", // derived from DataDir when empty
			CacheDir:             "",
			ChromePath:           "",
			Headless:             true,
			QRTimeout:            "90s",
			InitTimeout:          "180s",
			BrowserLaunchTimeout: "30s",
			ClientInitDelay:      "2s",
			CleanupInterval:      "1h",
			InactiveTimeout:      "2h",
			MaxReconnectAttempts: 5,
			RetryDelay:           "3s",
			ReconnectDelayCap:    "15s",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.normalize()
	return cfg, nil
}

// normalize fills derived paths.
func (c *Config) normalize() {
	if c.WhatsApp.AuthDir == "" {
		c.WhatsApp.AuthDir = filepath.Join(c.WhatsApp.DataDir, "auth")
	}
	if c.WhatsApp.CacheDir == "" {
		c.WhatsApp.CacheDir = filepath.Join(c.WhatsApp.DataDir, "cache")
	}
}

// applyEnvOverrides lets deployment environments override the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WABRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WABRIDGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("WABRIDGE_DATA_DIR"); v != "" {
		cfg.WhatsApp.DataDir = v
		cfg.WhatsApp.AuthDir = ""
		cfg.WhatsApp.CacheDir = ""
	}
	// Chrome path follows the conventions of the hosting platform.
	if v := os.Getenv("WABRIDGE_CHROME_PATH"); v != "" {
		cfg.WhatsApp.ChromePath = v
	} else if v := os.Getenv("CHROME_PATH"); v != "" {
		cfg.WhatsApp.ChromePath = v
	}
	if v := os.Getenv("WABRIDGE_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WhatsApp.Headless = b
		}
	}
	if v := os.Getenv("WABRIDGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
}

// Duration parses a yaml duration string, returning fallback on empty
// or malformed values.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Save writes the config back to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
