// File: facade/config.go
// Package facade exposes the pompio context: the user-visible orchestrator
// for one endpoint (server, client or datagram).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config holds the tunable parameters of a context.
type Config struct {
	// ReconnectDelayMs is the client reconnection delay after a failed
	// connect or a disconnect.
	ReconnectDelayMs uint32 `toml:"reconnect_delay_ms"`
	// LogLevel configures the logrus level for tools loading the config
	// from a file. Empty keeps the current level.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelayMs: 2000,
	}
}

// LoadConfig reads a TOML configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
		}
		logrus.SetLevel(level)
	}
	return cfg, nil
}
