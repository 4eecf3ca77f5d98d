package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validTags = map[string]bool{
	"apple":    true,
	"admin":    true,
	"batch_02": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Validate checks the configuration for errors. It is called by LoadConfig
// after defaults are applied.
func Validate(cfg *Config) error {
	if len(cfg.Catalog.Servers) == 0 {
		return fmt.Errorf("catalog: at least one server is required")
	}

	seen := make(map[string]bool, len(cfg.Catalog.Servers))
	for i, s := range cfg.Catalog.Servers {
		if s.URL == "" {
			return fmt.Errorf("catalog: server %d has no url", i)
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("catalog: server %d has invalid url %q", i, s.URL)
		}
		if seen[s.URL] {
			return fmt.Errorf("catalog: duplicate server url %q", s.URL)
		}
		seen[s.URL] = true
		for _, tag := range s.Tags {
			if !validTags[tag] {
				return fmt.Errorf("catalog: server %q has unknown tag %q (valid: %s)",
					s.URL, tag, strings.Join(tagNames(), ", "))
			}
		}
	}

	if cfg.Admission.Cooldown <= 0 {
		return fmt.Errorf("admission: cooldown must be positive, got %s", cfg.Admission.Cooldown)
	}
	if cfg.Admission.RetryInterval <= 0 {
		return fmt.Errorf("admission: retry_interval must be positive, got %s", cfg.Admission.RetryInterval)
	}
	if cfg.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat: interval must be positive, got %s", cfg.Heartbeat.Interval)
	}

	if !validLogLevels[cfg.Telemetry.Logging.Level] {
		return fmt.Errorf("telemetry: invalid log level %q", cfg.Telemetry.Logging.Level)
	}
	if !validLogFormats[cfg.Telemetry.Logging.Format] {
		return fmt.Errorf("telemetry: invalid log format %q", cfg.Telemetry.Logging.Format)
	}

	return nil
}

func tagNames() []string {
	names := make([]string, 0, len(validTags))
	for t := range validTags {
		names = append(names, t)
	}
	return names
}
