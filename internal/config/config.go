// Package config handles loading and validation of application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "1s"-style YAML strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete application configuration. Protocol
// constants (RPC endpoint, origin, client id, token URL) are fixed by the
// local Discord client and deliberately not configurable here.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	StateFile StateFileConfig `yaml:"statefile"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SessionConfig holds session engine settings.
type SessionConfig struct {
	ReconnectInterval Duration `yaml:"reconnect_interval"`
}

// StateFileConfig holds statefile export settings.
type StateFileConfig struct {
	Path string `yaml:"path"`
}

// ControlConfig holds one-shot responder settings.
type ControlConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			ReconnectInterval: Duration(time.Second),
		},
		StateFile: StateFileConfig{
			Path: defaultStateFilePath(),
		},
		Control: ControlConfig{
			Timeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultStateFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voicedeck-state"
	}

	return filepath.Join(home, ".voicedeck-state")
}

// Load reads and parses the configuration from the given file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration fields are usable.
func (c *Config) Validate() error {
	if c.Session.ReconnectInterval.Std() < 100*time.Millisecond {
		return fmt.Errorf("session.reconnect_interval must be at least 100ms")
	}

	if c.StateFile.Path == "" {
		return fmt.Errorf("statefile.path is required")
	}

	if c.Control.Timeout.Std() < time.Second {
		return fmt.Errorf("control.timeout must be at least 1s")
	}

	return nil
}
