package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges, and validates the configuration at path.
// A missing file is not an error: the built-in defaults are returned. Any
// present file is parsed strictly; unknown keys fail loading so typos never
// silently fall back to defaults.
func Load(path string) (*Config, error) {
	log := slog.With("config_path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("No configuration file, using built-in defaults")
			cfg := DefaultConfig()
			if err := validate(cfg); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Info("Configuration loaded")
	return cfg, nil
}

// Parse expands environment variables in data, unmarshals it, merges the
// defaults under the user values, and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(data)

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}

	// User values win; defaults fill anything left at its zero value.
	if err := mergo.Merge(&cfg, *DefaultConfig()); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return &cfg, nil
}
