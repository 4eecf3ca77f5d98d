// Package config loads and validates the relay configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified path,
// applies defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Variables follow the naming convention
// RELAY_SECTION_FIELD (e.g. RELAY_BACKEND_ADDR) and always take precedence
// over file-based configuration.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("RELAY_API_LISTEN_ADDRESS"); val != "" {
		cfg.API.ListenAddress = val
	}
	if val := os.Getenv("RELAY_API_READ_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.API.ReadTimeout = d
		}
	}

	if val := os.Getenv("RELAY_BACKEND_ADDR"); val != "" {
		cfg.Backend.Addr = val
	}
	if val := os.Getenv("RELAY_BACKEND_PASSWORD"); val != "" {
		cfg.Backend.Password = val
	}
	if val := os.Getenv("RELAY_BACKEND_DB"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Backend.DB = i
		}
	}

	if val := os.Getenv("RELAY_ADMISSION_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Admission.Cooldown = d
		}
	}
	if val := os.Getenv("RELAY_ADMISSION_RETRY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Admission.RetryInterval = d
		}
	}

	if val := os.Getenv("RELAY_EXECUTOR_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Executor.RequestTimeout = d
		}
	}

	if val := os.Getenv("RELAY_HEARTBEAT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Heartbeat.Interval = d
		}
	}

	if val := os.Getenv("RELAY_STORAGE_IDENTITY_PATH"); val != "" {
		cfg.Storage.IdentityPath = val
	}
	if val := os.Getenv("RELAY_STORAGE_ACTIVITY_PATH"); val != "" {
		cfg.Storage.ActivityPath = val
	}

	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("RELAY_LOG_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
}
