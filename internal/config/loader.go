package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. Missing fields keep
// their defaults; `${VAR}` references are expanded from the environment.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	data = expandEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// Validate checks field constraints that yaml decoding cannot express.
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.ReadyTimeout <= 0 {
		return fmt.Errorf("pool.ready_timeout must be positive, got %s", c.Pool.ReadyTimeout)
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("engine.command is required")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	return nil
}

// expandEnvVars replaces ${VAR} with the environment value; unset variables
// expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
