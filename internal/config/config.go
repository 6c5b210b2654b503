// Package config provides configuration loading for testvis.
//
// Configuration comes from an optional YAML file overridden by TESTVIS_*
// environment variables, with defaults applied for anything left unset.
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete testvis configuration.
type Config struct {
	Service   string          `koanf:"service" yaml:"service"`
	Env       string          `koanf:"env" yaml:"env"`
	Writer    WriterConfig    `koanf:"writer" yaml:"writer"`
	Remote    RemoteConfig    `koanf:"remote" yaml:"remote"`
	Git       GitConfig       `koanf:"git" yaml:"git"`
	Transport TransportConfig `koanf:"transport" yaml:"transport"`
	Secrets   SecretsConfig   `koanf:"secrets" yaml:"secrets"`
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

// WriterConfig controls the buffered event writer.
type WriterConfig struct {
	FlushInterval     Duration `koanf:"flush_interval" yaml:"flush_interval"`
	MaxInterval       Duration `koanf:"max_interval" yaml:"max_interval"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier" yaml:"backoff_multiplier"`
	BufferSize        int      `koanf:"buffer_size" yaml:"buffer_size"`
	StopTimeout       Duration `koanf:"stop_timeout" yaml:"stop_timeout"`
}

// RemoteConfig controls the library settings fetch at session start.
type RemoteConfig struct {
	Enabled  bool     `koanf:"enabled" yaml:"enabled"`
	Endpoint string   `koanf:"endpoint" yaml:"endpoint"`
	APIKey   Secret   `koanf:"api_key" yaml:"api_key"`
	Deadline Duration `koanf:"deadline" yaml:"deadline"`
}

// GitConfig controls git metadata collection and commit upload.
type GitConfig struct {
	UploadEnabled bool   `koanf:"upload_enabled" yaml:"upload_enabled"`
	Path          string `koanf:"path" yaml:"path"`
	CommitLimit   int    `koanf:"commit_limit" yaml:"commit_limit"`
}

// TransportConfig controls event delivery over NATS.
type TransportConfig struct {
	Enabled        bool     `koanf:"enabled" yaml:"enabled"`
	NATSURL        string   `koanf:"nats_url" yaml:"nats_url"`
	Subject        string   `koanf:"subject" yaml:"subject"`
	Token          Secret   `koanf:"token" yaml:"token"`
	ConnectTimeout Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	MaxBatch       int      `koanf:"max_batch" yaml:"max_batch"`
}

// SecretsConfig controls redaction of span tags.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	AllowlistPath string `koanf:"allowlist_path" yaml:"allowlist_path"`
}

// ServerConfig controls the optional metrics and health endpoint.
type ServerConfig struct {
	MetricsAddr     string   `koanf:"metrics_addr" yaml:"metrics_addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig holds the logging settings exposed to users. It is mapped
// onto logging.Config by the CLI.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TelemetryConfig holds the OpenTelemetry settings exposed to users. It is
// mapped onto telemetry.Config by the CLI.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`
	Protocol string `koanf:"protocol" yaml:"protocol"`
	Insecure bool   `koanf:"insecure" yaml:"insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{
		Git:     GitConfig{UploadEnabled: true},
		Secrets: SecretsConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// Dump renders the configuration as YAML. Secrets are redacted.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}

	w := c.Writer
	if w.FlushInterval.Duration() <= 0 {
		errs = append(errs, errors.New("writer.flush_interval must be positive"))
	}
	if w.MaxInterval.Duration() < w.FlushInterval.Duration() {
		errs = append(errs, fmt.Errorf("writer.max_interval (%s) must be >= writer.flush_interval (%s)",
			w.MaxInterval.Duration(), w.FlushInterval.Duration()))
	}
	if w.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("writer.backoff_multiplier must be >= 1, got %g", w.BackoffMultiplier))
	}
	if w.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("writer.buffer_size must be positive, got %d", w.BufferSize))
	}
	if w.StopTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("writer.stop_timeout must be positive"))
	}

	if c.Remote.Enabled && c.Remote.Endpoint == "" {
		errs = append(errs, errors.New("remote.endpoint is required when remote is enabled"))
	}
	if c.Remote.Deadline.Duration() <= 0 {
		errs = append(errs, errors.New("remote.deadline must be positive"))
	}

	if c.Git.CommitLimit <= 0 {
		errs = append(errs, fmt.Errorf("git.commit_limit must be positive, got %d", c.Git.CommitLimit))
	}

	if c.Transport.Subject == "" {
		errs = append(errs, errors.New("transport.subject is required"))
	}
	if c.Transport.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("transport.max_batch must be positive, got %d", c.Transport.MaxBatch))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "testvis"
	}
	if cfg.Env == "" {
		cfg.Env = "ci"
	}

	if cfg.Writer.FlushInterval == 0 {
		cfg.Writer.FlushInterval = Duration(time.Second)
	}
	if cfg.Writer.MaxInterval == 0 {
		cfg.Writer.MaxInterval = Duration(30 * time.Second)
	}
	if cfg.Writer.BackoffMultiplier == 0 {
		cfg.Writer.BackoffMultiplier = 2
	}
	if cfg.Writer.BufferSize == 0 {
		cfg.Writer.BufferSize = 10000
	}
	if cfg.Writer.StopTimeout == 0 {
		cfg.Writer.StopTimeout = Duration(5 * time.Second)
	}

	if cfg.Remote.Deadline == 0 {
		cfg.Remote.Deadline = Duration(5 * time.Second)
	}

	if cfg.Git.Path == "" {
		cfg.Git.Path = "."
	}
	if cfg.Git.CommitLimit == 0 {
		cfg.Git.CommitLimit = 1000
	}

	if cfg.Transport.NATSURL == "" {
		cfg.Transport.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Transport.Subject == "" {
		cfg.Transport.Subject = "testvis.events"
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = Duration(2 * time.Second)
	}
	if cfg.Transport.MaxBatch == 0 {
		cfg.Transport.MaxBatch = 500
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(5 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
