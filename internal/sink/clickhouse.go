package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/export"
)

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	Enabled                 bool `yaml:"enabled"`
	export.ClickHouseConfig `yaml:",inline"`
}

// clickHouseColumns is the insert column order of the request_log table.
var clickHouseColumns = []string{
	"bucket_start",
	"start_time",
	"end_time",
	"duration_ms",
	"pid",
	"dyno",
	"fault",
	"error_class",
	"error_message",
	"user_ms",
	"sys_ms",
	"max_rss",
	"loadavg",
	"attributes",
}

type rowWriter interface {
	Insert(ctx context.Context, columns []string, rows [][]any) error
}

// ClickHouse writes each bucket as one batch insert into the request_log
// table. Well-known attributes get their own columns; the full record is
// kept as JSON in the attributes column.
type ClickHouse struct {
	log    logrus.FieldLogger
	writer rowWriter
	conn   Lifecycle
}

var _ Lifecycle = (*ClickHouse)(nil)

// NewClickHouse creates a ClickHouse sink. health may be nil.
func NewClickHouse(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *export.HealthMetrics,
) *ClickHouse {
	writer := export.NewClickHouseWriter(log, cfg.ClickHouseConfig, health)

	return &ClickHouse{
		log:    log.WithField("sink", "clickhouse"),
		writer: writer,
		conn:   writer,
	}
}

func (s *ClickHouse) Name() string { return "clickhouse" }

func (s *ClickHouse) Start(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}

	if err := s.conn.Start(ctx); err != nil {
		return err
	}

	s.log.Info("ClickHouse sink started")

	return nil
}

func (s *ClickHouse) Stop() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Stop()
}

func (s *ClickHouse) Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error {
	rows := make([][]any, 0, len(records))

	for _, rec := range records {
		row, err := toClickHouseRow(bucket, rec)
		if err != nil {
			return err
		}

		rows = append(rows, row)
	}

	if err := s.writer.Insert(ctx, clickHouseColumns, rows); err != nil {
		return fmt.Errorf("inserting bucket: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"rows":   len(rows),
		"bucket": bucket.UTC().Format(time.RFC3339),
	}).Debug("Flushed request records")

	return nil
}

func toClickHouseRow(bucket time.Time, rec map[string]any) ([]any, error) {
	attrs, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding attributes: %w", err)
	}

	start, ok := timeField(rec, "start_time")
	if !ok {
		start = bucket.UTC()
	}

	end, ok := timeField(rec, "end_time")
	if !ok {
		end = start
	}

	duration, _ := int64Field(rec, "duration_ms")
	pid, _ := int64Field(rec, "pid")
	fault, _ := int64Field(rec, "fault")

	return []any{
		bucket.UTC(),
		start,
		end,
		duration,
		uint32(pid),
		stringField(rec, "dyno"),
		uint8(fault),
		stringField(rec, "error_class"),
		stringField(rec, "error_message"),
		nullableInt64(rec, "user_ms"),
		nullableInt64(rec, "sys_ms"),
		nullableInt64(rec, "max_rss"),
		nullableFloat64(rec, "loadavg"),
		string(attrs),
	}, nil
}
