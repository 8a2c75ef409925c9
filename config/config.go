// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides defaults for sealkv stores.
//
// Settings resolve in order of precedence:
//   - values the caller sets explicitly on store.Options
//   - environment variables (SEALKV_*)
//   - config.toml in the data directory
//   - built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURE
// =============================================================================

// DefaultBackupDelay is the debounce window between a mutation and the
// backup snapshot it schedules.
const DefaultBackupDelay = 10 * time.Second

// Config carries store defaults. Zero fields fall back to Default values
// when loaded through Load or LoadDefault.
type Config struct {
	// Dir is the data directory holding store files, backups, and keys.
	Dir string `toml:"dir"`

	// Backend selects the record store flavor: "json", "binary", or "sqlite".
	Backend string `toml:"backend"`

	// BackupDelay is the backup debounce window.
	BackupDelay Duration `toml:"backup_delay"`

	// KeyDir is the keystore directory. Defaults to <dir>/keys.
	KeyDir string `toml:"key_dir"`

	// KeyAlias names the sealing key.
	KeyAlias string `toml:"key_alias"`

	// WatchExternal makes file-backed stores observe out-of-band rewrites.
	WatchExternal bool `toml:"watch_external"`
}

// Duration wraps time.Duration so TOML and env values can use "10s" syntax.
type Duration time.Duration

// UnmarshalText parses durations like "750ms" or "10s".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in time.Duration syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dir:         defaultDir(),
		Backend:     "json",
		BackupDelay: Duration(DefaultBackupDelay),
		KeyAlias:    "sealkv.master",
	}
}

// defaultDir returns ~/.sealkv, or "" when the home directory is
// unresolvable. An empty directory fails Validate; callers must then be
// told where to store data rather than silently writing relative to the
// working directory.
func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sealkv")
}

// Load reads a TOML file over the defaults, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault resolves configuration without a caller-supplied path:
// <dir>/config.toml if present, otherwise defaults, plus env overrides.
// It never fails; an unreadable file degrades to defaults.
func LoadDefault() *Config {
	cfg := Default()
	// Env overrides decide which directory we look in, so apply them
	// before resolving the file path.
	cfg.applyEnv()
	if cfg.Dir != "" {
		path := filepath.Join(cfg.Dir, "config.toml")
		if _, err := os.Stat(path); err == nil {
			if loaded, err := Load(path); err == nil {
				return loaded
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Default()
	}
	return cfg
}

// applyEnv overlays SEALKV_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SEALKV_DIR"); v != "" {
		c.Dir = v
	}
	if v := os.Getenv("SEALKV_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("SEALKV_KEY_ALIAS"); v != "" {
		c.KeyAlias = v
	}
	if v := os.Getenv("SEALKV_BACKUP_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BackupDelay = Duration(d)
		}
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("config: dir must not be empty")
	}
	switch c.Backend {
	case "json", "binary", "sqlite":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if time.Duration(c.BackupDelay) <= 0 {
		return errors.New("config: backup_delay must be positive")
	}
	if c.KeyAlias == "" {
		return errors.New("config: key_alias must not be empty")
	}
	return nil
}

// KeystoreDir returns the effective keystore directory.
func (c *Config) KeystoreDir() string {
	if c.KeyDir != "" {
		return c.KeyDir
	}
	return filepath.Join(c.Dir, "keys")
}
