package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile loads an EngineConfig from a YAML file, layered on top of the
// defaults. Only keys present in the file override the defaults.
func LoadFile(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes layered on top of the defaults.
func Parse(data []byte) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config. getenv is
// injectable for testing; pass os.Getenv in production.
//
// Recognized variables:
//
//	OPENAI_API_KEY            generation API key
//	ATELIER_BASE_URL          generation endpoint base URL
//	ATELIER_MODEL             model identifier
//	ATELIER_MAX_ROUNDS        max revision rounds
//	ATELIER_STAGE_TIMEOUT     per-stage timeout (Go duration syntax)
//	ATELIER_OUTPUT_DIR        artifact output directory
//	ATELIER_LOG_LEVEL         log level
func (c *EngineConfig) ApplyEnv(getenv func(string) string) error {
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := getenv("ATELIER_BASE_URL"); v != "" {
		c.Generation.BaseURL = v
	}
	if v := getenv("ATELIER_MODEL"); v != "" {
		c.Generation.Model = v
	}
	if v := getenv("ATELIER_MAX_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ATELIER_MAX_ROUNDS: %w", err)
		}
		c.Pipeline.MaxRevisionRounds = n
	}
	if v := getenv("ATELIER_STAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ATELIER_STAGE_TIMEOUT: %w", err)
		}
		c.Pipeline.StageTimeout = Duration(d)
	}
	if v := getenv("ATELIER_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := getenv("ATELIER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c.Validate()
}
