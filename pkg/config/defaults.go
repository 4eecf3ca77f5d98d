package config

import "time"

// Default values applied by ApplyDefaults.
const (
	DefaultListenAddress   = "127.0.0.1:8780"
	DefaultReadTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultBackendAddr        = "localhost:6379"
	DefaultBackendDialTimeout = 5 * time.Second

	DefaultAdmissionCooldown      = 10 * time.Second
	DefaultAdmissionRetryInterval = 2 * time.Second

	DefaultProbeTimeout = 30 * time.Second

	DefaultRequestTimeout      = 120 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5

	DefaultHeartbeatInterval = 30 * time.Second

	DefaultIdentityPath = "data/identity.db"
	DefaultActivityPath = "data/activity.db"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMetricsNamespace = "relay"
	DefaultMetricsPath      = "/metrics"
)

// ApplyDefaults fills in default values for unset fields. It is called by
// LoadConfig before validation so a minimal file with just the catalog
// section is usable.
func ApplyDefaults(cfg *Config) {
	if cfg.API.ListenAddress == "" {
		cfg.API.ListenAddress = DefaultListenAddress
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = DefaultReadTimeout
	}
	if cfg.API.ShutdownTimeout == 0 {
		cfg.API.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Backend.Addr == "" {
		cfg.Backend.Addr = DefaultBackendAddr
	}
	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = DefaultBackendDialTimeout
	}

	if cfg.Admission.Cooldown == 0 {
		cfg.Admission.Cooldown = DefaultAdmissionCooldown
	}
	if cfg.Admission.RetryInterval == 0 {
		cfg.Admission.RetryInterval = DefaultAdmissionRetryInterval
	}

	if cfg.Assignment.ProbeTimeout == 0 {
		cfg.Assignment.ProbeTimeout = DefaultProbeTimeout
	}

	if cfg.Executor.RequestTimeout == 0 {
		cfg.Executor.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Executor.MaxIdleConns == 0 {
		cfg.Executor.MaxIdleConns = DefaultMaxIdleConns
	}
	if cfg.Executor.MaxIdleConnsPerHost == 0 {
		cfg.Executor.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}

	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = DefaultHeartbeatInterval
	}

	if cfg.Storage.IdentityPath == "" {
		cfg.Storage.IdentityPath = DefaultIdentityPath
	}
	if cfg.Storage.ActivityPath == "" {
		cfg.Storage.ActivityPath = DefaultActivityPath
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		// An entirely absent metrics section means metrics on.
		if cfg.Telemetry.Metrics.Path == "" {
			cfg.Telemetry.Metrics.Enabled = true
		}
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
}
