// Package config handles loading, validating, and writing the gavel
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Trace storage root (where per-trace directories live)
//   - Contracts directory (declarative policy contracts, hot-reloadable)
//   - Whether the sqlite trace index is maintained
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gavel configuration. Loaded from config.yaml,
// with defaults applied for fields that are not explicitly set.
type Config struct {
	Traces    TracesConfig    `yaml:"traces"`
	Contracts ContractsConfig `yaml:"contracts"`
}

// TracesConfig controls trace storage and indexing.
type TracesConfig struct {
	// Dir is the base directory holding one subdirectory per trace_id.
	Dir string `yaml:"dir"`
	// Index enables the sqlite projection at <dir>/index.db. The ndjson
	// logs remain the source of truth either way.
	Index bool `yaml:"index"`
}

// ContractsConfig controls where contracts are loaded from.
type ContractsConfig struct {
	Dir string `yaml:"dir"`
	// Watch enables hot-reload of contract files in long-running callers.
	Watch bool `yaml:"watch"`
}

// Load reads and parses config.yaml from the given config directory.
// A missing file yields defaults (not an error); invalid YAML or failed
// validation is an error.
func Load(configDir string) (*Config, error) {
	cfg := applyDefaults(configDir)

	path := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a commented config.yaml with default values into
// the config directory. Used by `gavel config init`.
func WriteDefault(configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", configDir, err)
	}
	cfg := applyDefaults(configDir)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# gavel configuration
#
# traces:
#   dir:   Base directory for per-trace event logs and artifacts
#   index: Maintain a sqlite index at <dir>/index.db for fast queries
#
# contracts:
#   dir:   Directory of contract files (*.yaml, *.yml, *.json)
#   watch: Hot-reload contracts when files change (long-running callers)

`
	path := filepath.Join(configDir, "config.yaml")
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config rooted in the given config directory.
func applyDefaults(configDir string) *Config {
	return &Config{
		Traces: TracesConfig{
			Dir:   filepath.Join(configDir, "traces"),
			Index: true,
		},
		Contracts: ContractsConfig{
			Dir:   filepath.Join(configDir, "contracts"),
			Watch: false,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Traces.Dir == "" {
		return fmt.Errorf("traces.dir must not be empty")
	}
	if cfg.Contracts.Dir == "" {
		return fmt.Errorf("contracts.dir must not be empty")
	}
	return nil
}
