// Package config loads the daemon configuration file and derives the
// filesystem layout under the hermit state directory.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the daemon configuration. All fields are optional; zero values
// fall back to defaults. Durations are Go duration strings (e.g. "60s").
type Config struct {
	// DataDir is the state root. Everything hermit owns lives below it:
	// data/ (db, socket, pid file), groups/, tools/, config/, .claude/.
	DataDir string `json:"data_dir,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sandbox   SandboxConfig   `json:"sandbox"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type SchedulerConfig struct {
	// Interval is the polling period for due tasks.
	Interval string `json:"interval,omitempty"`
}

type SandboxConfig struct {
	// Timeout is the hard wall-clock limit for one sandboxed execution.
	Timeout string `json:"timeout,omitempty"`

	// Binary is the assistant CLI launched inside the sandbox.
	Binary string `json:"binary,omitempty"`

	// Bwrap is the bubblewrap executable.
	Bwrap string `json:"bwrap,omitempty"`
}

const (
	DefaultSchedulerInterval = 60 * time.Second
	DefaultSandboxTimeout    = 5 * time.Minute
)

// Load reads the config file at path. A missing file yields defaults; a
// present file must decode strictly (unknown fields rejected).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return withDefaults(cfg)
			}
			return nil, err
		}
		jb, err := coerceToJSONBytes(path, b)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(jb))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		// reject trailing tokens (e.g. concatenated JSON)
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			if err == nil {
				return nil, fmt.Errorf("config %s: trailing data", path)
			}
			return nil, err
		}
	}
	return withDefaults(cfg)
}

func withDefaults(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".hermit")
	}
	if _, err := cfg.SchedulerInterval(); err != nil {
		return nil, err
	}
	if _, err := cfg.SandboxTimeout(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SchedulerInterval() (time.Duration, error) {
	return durationOrDefault("scheduler.interval", c.Scheduler.Interval, DefaultSchedulerInterval)
}

func (c *Config) SandboxTimeout() (time.Duration, error) {
	return durationOrDefault("sandbox.timeout", c.Sandbox.Timeout, DefaultSandboxTimeout)
}

// durationOrDefault parses a Go duration string from the config, falling
// back to def when the field is empty. Negative durations are rejected;
// path names the field in the error.
func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive", path)
	}
	return d, nil
}

func (c *Config) ConsoleLogging() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}

func (c *Config) SandboxBinary() string {
	if c.Sandbox.Binary == "" {
		return "claude"
	}
	return c.Sandbox.Binary
}

func (c *Config) BwrapPath() string {
	if c.Sandbox.Bwrap == "" {
		return "bwrap"
	}
	return c.Sandbox.Bwrap
}

// Derived filesystem layout.

func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "data", "hermit.db") }
func (c *Config) SocketPath() string { return filepath.Join(c.DataDir, "data", "hermit.sock") }
func (c *Config) PIDFile() string { return filepath.Join(c.DataDir, "data", "hermit.pid") }
func (c *Config) GroupsDir() string { return filepath.Join(c.DataDir, "groups") }
func (c *Config) ToolsDir() string { return filepath.Join(c.DataDir, "tools") }
func (c *Config) ToolConfigDir() string { return filepath.Join(c.DataDir, "config") }
func (c *Config) ClaudeDir() string { return filepath.Join(c.DataDir, ".claude") }
