package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration from the given file.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file (missing file = pure defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate the merged result
func Initialize(path string) (*Config, error) {
	log := slog.With("config_file", path)

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"llm_services", stats.LLMServices,
		"preset_roles", stats.PresetRoles,
		"max_concurrent", stats.MaxConcurrent,
		"data_root", stats.DataRoot)

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Config file not found, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	// Expand environment variables before parsing. ExpandEnv passes the
	// original bytes through on template errors so plain YAML still parses.
	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// User values override defaults; unset (zero) user fields keep defaults.
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merge failed: %w", err))
	}

	return cfg, nil
}
