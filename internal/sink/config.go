package sink

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/export"
	httpexport "github.com/ethpandaops/requestlog/internal/export/http"
)

// Config holds configuration for all sinks.
type Config struct {
	Print      PrintConfig       `yaml:"print"`
	Logger     LoggerConfig      `yaml:"logger"`
	ClickHouse ClickHouseConfig  `yaml:"clickhouse"`
	Redis      RedisConfig       `yaml:"redis"`
	HTTP       httpexport.Config `yaml:"http"`
}

// Enabled returns the names of the enabled sinks.
func (c *Config) Enabled() []string {
	var names []string

	if c.Print.Enabled {
		names = append(names, "print")
	}

	if c.Logger.Enabled {
		names = append(names, "logger")
	}

	if c.ClickHouse.Enabled {
		names = append(names, "clickhouse")
	}

	if c.Redis.Enabled {
		names = append(names, "redis")
	}

	if c.HTTP.Enabled {
		names = append(names, "http")
	}

	return names
}

// Validate checks every enabled sink.
func (c *Config) Validate() error {
	switch c.Print.Output {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("print: invalid output %q", c.Print.Output)
	}

	if c.Logger.Enabled && c.Logger.Level != "" {
		if _, err := logrus.ParseLevel(c.Logger.Level); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}

	if c.ClickHouse.Enabled {
		if err := c.ClickHouse.Validate(); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}

	if c.Redis.Enabled {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	httpCfg := c.HTTP
	httpCfg.ApplyDefaults()

	if err := httpCfg.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	return nil
}

// Build constructs the configured sink. With no sink enabled it returns the
// Default sink; with several it returns a Fanout. health may be nil.
func Build(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (Sink, error) {
	var sinks []Sink

	if cfg.Print.Enabled {
		sinks = append(sinks, NewPrint(outputWriter(cfg.Print.Output)))
	}

	if cfg.Logger.Enabled {
		s, err := NewLogger(log, cfg.Logger.Level)
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, s)
	}

	if cfg.ClickHouse.Enabled {
		sinks = append(sinks, NewClickHouse(log, cfg.ClickHouse, health))
	}

	if cfg.Redis.Enabled {
		sinks = append(sinks, NewRedis(log, cfg.Redis))
	}

	if cfg.HTTP.Enabled {
		s, err := NewHTTP(log, cfg.HTTP)
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		log.Warn("No sink enabled, falling back to printing records to stderr")

		return NewDefault(log, os.Stderr), nil
	case 1:
		return sinks[0], nil
	default:
		return NewFanout(sinks...), nil
	}
}

func outputWriter(name string) io.Writer {
	if name == "stdout" {
		return os.Stdout
	}

	return os.Stderr
}
