package config

import "time"

// Config represents the complete sqsd-gate configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Listen   string         `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Gate     GateConfig     `yaml:"gate"`
	Jobs     JobsConfig     `yaml:"jobs"`
	State    StateConfig    `yaml:"state"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// UpstreamConfig points at the wrapped application. Empty URL means the
// gate runs standalone and ordinary requests get 404.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// GateConfig defines the consumer gate settings.
type GateConfig struct {
	Enabled                  bool     `yaml:"enabled"`
	SecretKeyBase            string   `yaml:"secret_key_base"`
	DigestScheme             string   `yaml:"digest_scheme"`
	Origin                   string   `yaml:"origin"`
	TrustedSources           []string `yaml:"trusted_sources,omitempty"`
	PeriodicTasksRoute       string   `yaml:"periodic_tasks_route"`
	AcceptUnaddressedDigests bool     `yaml:"accept_unaddressed_digests"`
	MaxBodySize              string   `yaml:"max_body_size"` // e.g. "256KB", "1MB"
}

// JobsConfig defines job execution settings.
type JobsConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Handlers       map[string]HandlerConfig `yaml:"handlers"`
}

// HandlerConfig maps a job class or periodic task name to an executable.
type HandlerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// StateConfig defines the execution ledger database.
type StateConfig struct {
	Path            string        `yaml:"path"`
	JobLogRetention time.Duration `yaml:"job_log_retention"`
}

// MetricsConfig defines the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ShutdownConfig defines the drain sequence on SIGINT/SIGTERM.
type ShutdownConfig struct {
	// DrainGrace is how long job messages are answered 503 before the
	// listener stops.
	DrainGrace time.Duration `yaml:"drain_grace"`
	// Timeout bounds http.Server.Shutdown.
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "sqsd-gate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Listen: ":8080",
		Upstream: UpstreamConfig{
			Timeout: 60 * time.Second,
		},
		Gate: GateConfig{
			Enabled:            true,
			DigestScheme:       "hmac-sha256",
			Origin:             "AEJ",
			PeriodicTasksRoute: "/periodic_tasks",
			MaxBodySize:        "256KB",
		},
		Jobs: JobsConfig{
			DefaultTimeout: 5 * time.Minute,
		},
		State: StateConfig{
			Path:            "./data/sqsd-gate.db",
			JobLogRetention: 30 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
		Shutdown: ShutdownConfig{
			DrainGrace: 10 * time.Second,
			Timeout:    30 * time.Second,
		},
	}
}

// ChecksumManifest is the content of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

const redacted = "[redacted]"

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Gate.SecretKeyBase != "" {
		out.Gate.SecretKeyBase = redacted
	}
	out.Gate.TrustedSources = append([]string(nil), c.Gate.TrustedSources...)
	if c.Jobs.Handlers != nil {
		out.Jobs.Handlers = make(map[string]HandlerConfig, len(c.Jobs.Handlers))
		for name, h := range c.Jobs.Handlers {
			out.Jobs.Handlers[name] = h
		}
	}
	return &out
}
