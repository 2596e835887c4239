package http

import (
	"errors"
	"fmt"
	"time"
)

// DefaultBucketField is the field every exported record carries with the
// start of the bucket it was flushed from.
const DefaultBucketField = "bucket_start"

// Config configures delivery of record buckets to an HTTP collector.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib or snappy. Defaults to gzip.
	Compression string `yaml:"compression"`

	// BucketField names the field stamped with the bucket start time.
	BucketField string `yaml:"bucket_field"`

	// Timeout bounds a single POST.
	Timeout time.Duration `yaml:"timeout"`

	DisableKeepAlive bool `yaml:"disable_keep_alive"`

	Async AsyncConfig `yaml:"async"`
}

// AsyncConfig moves delivery off the flush path onto a batch processor.
// A bucket is refused as a whole when it does not fit in the queue, so the
// flushing queue keeps it for a later retry.
type AsyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxQueueSize int           `yaml:"max_queue_size"`
	Workers      int           `yaml:"workers"`
}

// DefaultConfig returns a Config with defaults sized for record buckets.
func DefaultConfig() Config {
	return Config{
		Compression: CompressionGzip,
		BucketField: DefaultBucketField,
		Timeout:     15 * time.Second,
		Async: AsyncConfig{
			BatchSize:    1000,
			BatchTimeout: time.Second,
			MaxQueueSize: 100000,
			Workers:      2,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("http address is required when enabled")
	}

	if c.BucketField == "" {
		return errors.New("bucket_field is required")
	}

	switch c.Compression {
	case "", CompressionNone, CompressionGzip, CompressionZstd,
		CompressionZlib, CompressionSnappy:
	default:
		return errors.New("invalid compression type: " + c.Compression)
	}

	if !c.Async.Enabled {
		return nil
	}

	if c.Async.BatchSize <= 0 {
		return errors.New("async batch_size must be greater than 0")
	}

	if c.Async.BatchSize > c.Async.MaxQueueSize {
		return fmt.Errorf("async batch_size %d exceeds max_queue_size %d",
			c.Async.BatchSize, c.Async.MaxQueueSize)
	}

	if c.Async.Workers <= 0 {
		return errors.New("async workers must be greater than 0")
	}

	return nil
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.BucketField == "" {
		c.BucketField = defaults.BucketField
	}

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}

	if c.Async.BatchSize <= 0 {
		c.Async.BatchSize = defaults.Async.BatchSize
	}

	if c.Async.BatchTimeout <= 0 {
		c.Async.BatchTimeout = defaults.Async.BatchTimeout
	}

	if c.Async.MaxQueueSize <= 0 {
		c.Async.MaxQueueSize = defaults.Async.MaxQueueSize
	}

	if c.Async.Workers <= 0 {
		c.Async.Workers = defaults.Async.Workers
	}
}

// drainTimeout bounds how long a shutdown waits for queued records.
func (c *Config) drainTimeout() time.Duration {
	return c.Async.BatchTimeout + 2*c.Timeout
}
