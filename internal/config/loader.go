package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/coral-hook/internal/safe"
)

// EnvConfigPath names a config file when --config is not given.
const EnvConfigPath = "CORAL_HOOK_CONFIG"

const maxConfigSize = 1 << 20

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path falls back to CORAL_HOOK_CONFIG and
// then to the defaults alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: maxConfigSize})
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Lists given in the file replace the
// defaults wholesale.
func Parse(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	//nolint:gosec // G306: config holds no secrets.
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// IsValidation reports whether err came from Validate.
func IsValidation(err error) bool {
	var mv *MultiValidationError
	return errors.As(err, &mv)
}
