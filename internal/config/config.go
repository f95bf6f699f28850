package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pairdesk/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// PresenceIntervalSeconds is the cadence of presence writes. Zero means
	// the built-in default of 30 seconds.
	PresenceIntervalSeconds int `toml:"presence_interval_seconds"`

	Reconnect ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig overrides the reconnection backoff policy. Zero values fall
// back to the built-in defaults (1s base, 30s cap, 10 attempts).
type ReconnectConfig struct {
	BaseDelayMs int `toml:"base_delay_ms"`
	MaxDelayMs  int `toml:"max_delay_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

// PresenceInterval returns the configured presence cadence as a duration.
func (c *Config) PresenceInterval() time.Duration {
	if c.PresenceIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PresenceIntervalSeconds) * time.Second
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
