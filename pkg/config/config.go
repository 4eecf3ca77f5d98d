package config

import "time"

// Config is the root configuration structure for the relay.
type Config struct {
	// API contains the HTTP API server configuration.
	API APIConfig `yaml:"api"`

	// Catalog contains the proxy server fleet definition.
	Catalog CatalogConfig `yaml:"catalog"`

	// Backend contains the shared Redis backend configuration.
	Backend BackendConfig `yaml:"backend"`

	// Admission contains the generation-slot admission settings.
	Admission AdmissionConfig `yaml:"admission"`

	// Assignment contains credential-assignment settings.
	Assignment AssignmentConfig `yaml:"assignment"`

	// Executor contains proxied-request settings.
	Executor ExecutorConfig `yaml:"executor"`

	// Heartbeat contains session liveness settings.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Storage contains local storage paths.
	Storage StorageConfig `yaml:"storage"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// APIConfig contains configuration for the HTTP API server the UI
// collaborator talks to.
type APIConfig struct {
	// ListenAddress is the address and port to listen on.
	// Default: "127.0.0.1:8780"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response. Zero
	// disables it; generation calls can block on slot admission for a long
	// time, so the default is zero.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CatalogConfig defines the proxy fleet.
type CatalogConfig struct {
	// Servers is the ordered fleet. Order is significant: usage ties are
	// broken by position, first listed wins.
	Servers []ServerEntry `yaml:"servers"`

	// Watch enables hot-reload of the catalog section when the config file
	// changes on disk.
	// Default: false
	Watch bool `yaml:"watch"`
}

// ServerEntry is one proxy server definition.
type ServerEntry struct {
	// URL is the server base URL, e.g. "https://s1.monoklix.com".
	URL string `yaml:"url"`

	// Tags is the static tag set ("apple", "admin", "batch_02").
	Tags []string `yaml:"tags"`
}

// BackendConfig contains the shared Redis backend settings.
type BackendConfig struct {
	// Addr is the Redis address.
	// Default: "localhost:6379"
	Addr string `yaml:"addr"`

	// Password is the Redis password. Typically provided via
	// RELAY_BACKEND_PASSWORD rather than the file.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	// Default: 0
	DB int `yaml:"db"`

	// DialTimeout is the connection timeout.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AdmissionConfig contains generation-slot admission settings.
type AdmissionConfig struct {
	// Cooldown is the backend-enforced window during which a server grants
	// at most one generation slot.
	// Default: 10s
	Cooldown time.Duration `yaml:"cooldown"`

	// RetryInterval is how long to wait after a denied slot before asking
	// again.
	// Default: 2s
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// AssignmentConfig contains credential-assignment settings.
type AssignmentConfig struct {
	// ProbeTimeout bounds each health-probe call made while scanning the
	// shared pool.
	// Default: 30s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ExecutorConfig contains proxied-request settings.
type ExecutorConfig struct {
	// RequestTimeout bounds each individual proxied HTTP call. It does not
	// bound slot admission.
	// Default: 120s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxIdleConns is the connection pool size.
	// Default: 20
	MaxIdleConns int `yaml:"max_idle_conns"`

	// MaxIdleConnsPerHost is the per-host connection pool size.
	// Default: 5
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
}

// HeartbeatConfig contains session liveness settings.
type HeartbeatConfig struct {
	// Interval is how often a liveness update is sent while a session is
	// open.
	// Default: 30s
	Interval time.Duration `yaml:"interval"`
}

// StorageConfig contains local storage paths.
type StorageConfig struct {
	// IdentityPath is the SQLite file holding the last authenticated user,
	// used to restore routing/credential context between restarts.
	// Default: "data/identity.db"
	IdentityPath string `yaml:"identity_path"`

	// ActivityPath is the SQLite file holding the diagnostic activity log.
	// Default: "data/activity.db"
	ActivityPath string `yaml:"activity_path"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging contains structured logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains Prometheus metrics settings.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the output format ("json" or "text").
	// Default: "text"
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and exposed.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	// Default: "relay"
	Namespace string `yaml:"namespace"`

	// Path is the HTTP path the metrics handler is mounted on.
	// Default: "/metrics"
	Path string `yaml:"path"`
}
