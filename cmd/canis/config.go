// ABOUTME: Optional YAML config file for the canis CLI: data dir, API base URL, and API key env name.
// ABOUTME: Searched in the current directory first, then the XDG config directory; flags always win.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configFilename = "canis.yaml"

// fileConfig is the canis.yaml shape. Every field is optional; flags override
// anything set here.
type fileConfig struct {
	// DataDir is the workspace root holding runs/ and seed_files/.
	DataDir string `yaml:"data_dir"`
	// BaseURL points the batch client at a compatible gateway instead of the
	// public endpoint.
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`
}

// parseConfigFile reads and decodes one canis.yaml. A missing file is not an
// error; it returns the zero config.
func parseConfigFile(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// loadFileConfig finds and parses the first canis.yaml: current directory,
// then the XDG config directory. No file at all yields the zero config.
func loadFileConfig() (fileConfig, error) {
	if cfg, err := parseConfigFile(configFilename); err != nil || cfg != (fileConfig{}) {
		return cfg, err
	}

	configDir, err := defaultConfigDir()
	if err != nil {
		return fileConfig{}, err
	}
	return parseConfigFile(filepath.Join(configDir, configFilename))
}

// apiKey reads the configured API key environment variable.
func apiKey(cfg fileConfig) string {
	env := cfg.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	return os.Getenv(env)
}
