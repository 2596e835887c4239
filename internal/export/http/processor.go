package http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Enqueue when a bucket does not fit in the
// remaining queue capacity. Nothing from the bucket was queued.
var ErrQueueFull = errors.New("http delivery queue is full")

// Processor delivers record buckets in the background. Records count as
// pending from Enqueue until a worker finished exporting them.
type Processor struct {
	log      logrus.FieldLogger
	cfg      Config
	exporter *Exporter
	proc     *processor.BatchItemProcessor[Item]

	// mu serializes the capacity check with the write.
	mu      sync.Mutex
	pending atomic.Int64
}

// NewProcessor creates a processor named name. It does nothing until Start.
func NewProcessor(log logrus.FieldLogger, cfg Config, name string) (*Processor, error) {
	cfg.ApplyDefaults()

	exporter, err := NewExporter(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	p := &Processor{
		log:      log.WithField("component", "http_processor"),
		cfg:      cfg,
		exporter: exporter,
	}

	proc, err := processor.NewBatchItemProcessor[Item](
		settlingExporter{p},
		name,
		log,
		processor.WithMaxQueueSize(cfg.Async.MaxQueueSize),
		processor.WithBatchTimeout(cfg.Async.BatchTimeout),
		processor.WithExportTimeout(cfg.Timeout),
		processor.WithMaxExportBatchSize(cfg.Async.BatchSize),
		processor.WithWorkers(cfg.Async.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	p.proc = proc

	return p, nil
}

// Start launches the workers. They outlive ctx so that Shutdown can still
// drain what was queued after ctx was cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.proc.Start(context.WithoutCancel(ctx))
}

// Enqueue queues every record of bucket, or none of them.
func (p *Processor) Enqueue(ctx context.Context, bucket time.Time, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	items := make([]*Item, len(records))
	for i, rec := range records {
		items[i] = &Item{Bucket: bucket, Record: rec}
	}

	n := int64(len(items))

	p.mu.Lock()
	defer p.mu.Unlock()

	if pending := p.pending.Load(); pending+n > int64(p.cfg.Async.MaxQueueSize) {
		return fmt.Errorf("%w: %d pending, %d in bucket, capacity %d",
			ErrQueueFull, pending, n, p.cfg.Async.MaxQueueSize)
	}

	p.pending.Add(n)

	if err := p.proc.Write(ctx, items); err != nil {
		p.pending.Add(-n)

		return fmt.Errorf("queueing records: %w", err)
	}

	return nil
}

// Pending returns the number of records queued or being exported.
func (p *Processor) Pending() int64 {
	return p.pending.Load()
}

// Shutdown waits for pending records to be exported, then stops the
// workers. It gives up after the configured drain timeout or when ctx ends.
func (p *Processor) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.drainTimeout())
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var undelivered int64

	for undelivered == 0 && p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			undelivered = p.pending.Load()
		case <-ticker.C:
		}
	}

	if undelivered > 0 {
		p.log.WithField("records", undelivered).Warn("Shutting down with undelivered records")

		// Stop in the background so the caller is not held by the drain.
		go func() { _ = p.proc.Shutdown(context.Background()) }()

		return fmt.Errorf("%d records undelivered at shutdown", undelivered)
	}

	if err := p.proc.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping processor: %w", err)
	}

	return nil
}

// settlingExporter releases pending records once their batch was attempted.
type settlingExporter struct {
	p *Processor
}

func (s settlingExporter) ExportItems(ctx context.Context, items []*Item) error {
	defer s.p.pending.Add(-int64(len(items)))

	err := s.p.exporter.ExportItems(ctx, items)
	if err != nil {
		s.p.log.WithError(err).WithField("records", len(items)).Warn("Dropped records after failed export")
	}

	return err
}

func (s settlingExporter) Shutdown(ctx context.Context) error {
	return s.p.exporter.Shutdown(ctx)
}
