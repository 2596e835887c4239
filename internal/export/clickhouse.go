package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to "request_log".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxOpenConns caps the connection pool. Defaults to 5.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// ApplyDefaults fills unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "request_log"
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 5
	}
}

// Validate checks the configuration.
func (c *ClickHouseConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}

	return nil
}

// TableName returns the fully qualified table name.
func (c *ClickHouseConfig) TableName() string {
	return fmt.Sprintf("%s.%s", c.Database, c.Table)
}

// ClickHouseWriter manages writes to ClickHouse.
type ClickHouseWriter struct {
	log    logrus.FieldLogger
	cfg    ClickHouseConfig
	conn   clickhouse.Conn
	health *HealthMetrics
}

// NewClickHouseWriter creates a new ClickHouse writer. health may be nil.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *HealthMetrics,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log:    log.WithField("component", "clickhouse"),
		cfg:    cfg,
		health: health,
	}
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  w.cfg.DialTimeout,
		MaxOpenConns: w.cfg.MaxOpenConns,
		MaxIdleConns: 2,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	if w.health != nil {
		w.health.ClickHouseConnected.WithLabelValues(w.cfg.Table).Set(1)
	}

	w.log.WithField("endpoint", w.cfg.Endpoint).
		Info("ClickHouse writer connected")

	return nil
}

// Insert writes rows into the configured table in a single batch. Each row
// must have one value per column.
func (w *ClickHouseWriter) Insert(ctx context.Context, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	if w.conn == nil {
		return errors.New("ClickHouse writer not started")
	}

	batch, err := w.conn.PrepareBatch(
		ctx,
		fmt.Sprintf("INSERT INTO %s (%s)", w.cfg.TableName(), strings.Join(columns, ", ")),
	)
	if err != nil {
		w.recordBatchError()

		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()

			w.recordBatchError()

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		w.recordBatchError()

		return fmt.Errorf("sending batch: %w", err)
	}

	return nil
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn == nil {
		return nil
	}

	if w.health != nil {
		w.health.ClickHouseConnected.WithLabelValues(w.cfg.Table).Set(0)
	}

	return w.conn.Close()
}

func (w *ClickHouseWriter) recordBatchError() {
	if w.health != nil {
		w.health.ClickHouseBatchErrors.Inc()
	}
}
