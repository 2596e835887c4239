package service

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/requestlog/internal/export"
	"github.com/ethpandaops/requestlog/internal/queue"
	"github.com/ethpandaops/requestlog/internal/requestlog"
	"github.com/ethpandaops/requestlog/internal/sink"
)

// Config is the top-level configuration for the requestlog service.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Queue configures bucketing and emergency persistence.
	Queue QueueConfig `yaml:"queue"`

	// Sinks configures where buckets are delivered.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// API configures the record ingest API.
	API APIConfig `yaml:"api"`

	// ShutdownTimeout bounds the final flush on shutdown. Records still
	// pending afterwards are saved to disk. Defaults to 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig configures the batching queue.
type QueueConfig struct {
	// Name identifies the queue's emergency dump files.
	Name string `yaml:"name"`

	// BatchWindow is the bucket width. Zero delivers every record at once.
	BatchWindow time.Duration `yaml:"batch_window"`

	// Dir holds emergency dump files.
	Dir string `yaml:"dir"`

	// LoadEmergencySaves recovers dump files on startup. Defaults to true.
	LoadEmergencySaves bool `yaml:"load_emergency_saves"`
}

// APIConfig configures the ingest API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// MaxBodyBytes caps a decoded request body. Defaults to 10MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// RecordRequests logs every ingest request as a record of its own.
	RecordRequests bool `yaml:"record_requests"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Queue: QueueConfig{
			Name:               requestlog.DefaultName,
			BatchWindow:        time.Minute,
			Dir:                ".",
			LoadEmergencySaves: true,
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		API: APIConfig{
			Addr:         ":8080",
			MaxBodyBytes: 10 << 20,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills fields a config file may have cleared.
func (c *Config) ApplyDefaults() {
	if c.Queue.Name == "" {
		c.Queue.Name = requestlog.DefaultName
	}

	if c.Queue.Dir == "" {
		c.Queue.Dir = "."
	}

	if c.API.MaxBodyBytes <= 0 {
		c.API.MaxBodyBytes = 10 << 20
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	if c.Sinks.ClickHouse.Enabled {
		c.Sinks.ClickHouse.ApplyDefaults()
	}

	if c.Sinks.HTTP.Enabled {
		c.Sinks.HTTP.ApplyDefaults()
	}
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	qc := c.QueueSettings()
	if err := qc.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks: %w", err)
	}

	if c.API.Enabled && c.API.Addr == "" {
		return errors.New("api.addr is required when the api is enabled")
	}

	return nil
}

// QueueSettings returns the queue settings in the form the queue takes them.
func (c *Config) QueueSettings() queue.Config {
	return queue.Config{
		Name:   c.Queue.Name,
		Window: c.Queue.BatchWindow,
		Dir:    c.Queue.Dir,
	}
}
