package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	httpexport "github.com/ethpandaops/requestlog/internal/export/http"
)

// HTTP streams records as NDJSON to an HTTP collector. Synchronously, a
// bucket is delivered once the endpoint accepted it. In async mode it is
// delivered once it was queued whole; later endpoint failures are logged.
type HTTP struct {
	log       logrus.FieldLogger
	cfg       httpexport.Config
	exporter  *httpexport.Exporter
	processor *httpexport.Processor
}

var _ Lifecycle = (*HTTP)(nil)

// NewHTTP creates an HTTP sink.
func NewHTTP(log logrus.FieldLogger, cfg httpexport.Config) (*HTTP, error) {
	cfg.ApplyDefaults()

	s := &HTTP{
		log: log.WithField("sink", "http"),
		cfg: cfg,
	}

	if cfg.Async.Enabled {
		proc, err := httpexport.NewProcessor(log, cfg, "requestlog_http")
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		s.processor = proc

		return s, nil
	}

	exporter, err := httpexport.NewExporter(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP exporter: %w", err)
	}

	s.exporter = exporter

	return s, nil
}

func (s *HTTP) Name() string { return "http" }

func (s *HTTP) Start(ctx context.Context) error {
	if s.processor != nil {
		s.processor.Start(ctx)
	}

	s.log.WithFields(logrus.Fields{
		"address": s.cfg.Address,
		"async":   s.cfg.Async.Enabled,
	}).Info("HTTP sink started")

	return nil
}

func (s *HTTP) Stop() error {
	if s.processor != nil {
		return s.processor.Shutdown(context.Background())
	}

	return s.exporter.Shutdown(context.Background())
}

func (s *HTTP) Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error {
	if s.processor != nil {
		if err := s.processor.Enqueue(ctx, bucket, records); err != nil {
			return fmt.Errorf("enqueueing records: %w", err)
		}

		return nil
	}

	return s.exporter.Export(ctx, bucket, records)
}
