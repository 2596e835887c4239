// Package requestlog ties records to the queue they are submitted to. A
// Logger owns the current queue; records begun through it are carried in a
// context and submitted to whichever queue is current when they finish.
package requestlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/export"
	"github.com/ethpandaops/requestlog/internal/queue"
	"github.com/ethpandaops/requestlog/internal/record"
	"github.com/ethpandaops/requestlog/internal/sink"
)

// DefaultName is the queue name used before Initialize is called.
const DefaultName = "requestlog"

// ErrPartialRecovery marks an Initialize error caused only by dump files
// that could not be recovered. The queue is installed and running.
var ErrPartialRecovery = errors.New("some emergency saves could not be recovered")

// Config is the initialization contract of a Logger.
type Config struct {
	// Name identifies the queue and its emergency dump files.
	Name string
	// BatchWindow is the bucket width. Zero delivers every record as soon
	// as it finishes.
	BatchWindow time.Duration
	// Dir is where emergency dumps are written and recovered from.
	Dir string
	// Sink replaces the current sink when set. A new queue with no sink
	// inherits the previous queue's sink.
	Sink sink.Sink
	// LoadEmergencySaves recovers records left on disk by earlier processes.
	LoadEmergencySaves bool
}

// DefaultConfig returns the configuration a fresh Logger runs with.
func DefaultConfig() Config {
	return Config{
		Name:               DefaultName,
		Dir:                ".",
		LoadEmergencySaves: true,
	}
}

// Option configures a Logger.
type Option func(*Logger)

// WithHealth reports queue activity of every queue the Logger creates.
func WithHealth(health *export.HealthMetrics) Option {
	return func(l *Logger) {
		l.health = health
	}
}

// WithRecordOptions applies opts to every record begun through the Logger.
func WithRecordOptions(opts ...record.Option) Option {
	return func(l *Logger) {
		l.recordOpts = append(l.recordOpts, opts...)
	}
}

// WithQueueOptions applies opts to every queue the Logger creates.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(l *Logger) {
		l.queueOpts = append(l.queueOpts, opts...)
	}
}

// Logger owns the current queue. It is safe for concurrent use.
type Logger struct {
	log        logrus.FieldLogger
	health     *export.HealthMetrics
	recordOpts []record.Option
	queueOpts  []queue.Option

	// Serializes Initialize and Shutdown.
	initMu sync.Mutex

	mu    sync.RWMutex
	queue *queue.Queue
}

var _ record.Submitter = (*Logger)(nil)

// New creates a Logger whose queue uses DefaultConfig and the default
// sink until Initialize says otherwise.
func New(log logrus.FieldLogger, opts ...Option) (*Logger, error) {
	l := &Logger{
		log: log.WithField("component", "requestlog"),
	}

	for _, opt := range opts {
		opt(l)
	}

	def := DefaultConfig()

	q, err := l.newQueue(def, sink.NewDefault(log, os.Stderr))
	if err != nil {
		return nil, err
	}

	l.queue = q

	return l, nil
}

// Queue returns the current queue.
func (l *Logger) Queue() *queue.Queue {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.queue
}

// Submit hands a finished record to the current queue.
func (l *Logger) Submit(data map[string]any) {
	l.Queue().Submit(data)
}

// Initialize applies cfg. When the name, window or dump directory differ
// from the current queue, a new queue is started and installed, then the
// old one is stopped, flushed once and whatever it could not deliver is
// saved to disk. It returns the number of records recovered from disk.
func (l *Logger) Initialize(ctx context.Context, cfg Config) (int, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	if cfg.Dir == "" {
		cfg.Dir = "."
	}

	l.initMu.Lock()
	defer l.initMu.Unlock()

	current := l.Queue()

	if current.Name() != cfg.Name || current.Window() != cfg.BatchWindow || current.Dir() != cfg.Dir {
		s := cfg.Sink
		if s == nil {
			s = current.Sink()
		}

		next, err := l.newQueue(cfg, s)
		if err != nil {
			return 0, fmt.Errorf("creating queue: %w", err)
		}

		if err := next.Start(ctx); err != nil {
			return 0, fmt.Errorf("starting queue: %w", err)
		}

		l.mu.Lock()
		l.queue = next
		l.mu.Unlock()

		l.log.WithFields(logrus.Fields{
			"name":   cfg.Name,
			"window": cfg.BatchWindow,
			"dir":    cfg.Dir,
		}).Info("Installed new queue")

		if err := l.retire(ctx, current); err != nil {
			l.log.WithError(err).Warn("Previous queue retired with errors")
		}

		current = next
	} else {
		if cfg.Sink != nil {
			current.SetSink(cfg.Sink)
		}

		if err := current.Start(ctx); err != nil {
			return 0, fmt.Errorf("starting queue: %w", err)
		}
	}

	if !cfg.LoadEmergencySaves {
		return 0, nil
	}

	n, err := current.LoadEmergencySaves()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPartialRecovery, err)
	}

	if n > 0 && current.Window() == 0 {
		if ferr := current.Flush(ctx); ferr != nil {
			l.log.WithError(ferr).Warn("Delivering recovered records failed, keeping them for retry")
		}
	}

	return n, err
}

// Flush delivers everything the current queue holds.
func (l *Logger) Flush(ctx context.Context) error {
	return l.Queue().Flush(ctx)
}

// EmergencyShutdown marks the record in ctx as terminated, finishes it and
// saves every undelivered record of the current queue to disk. It returns
// the path of the dump file, or "" when there was nothing to save.
func (l *Logger) EmergencyShutdown(ctx context.Context) (string, error) {
	rec := record.FromContext(ctx)
	rec.Set(map[string]any{"terminated": true})
	rec.Finish()

	return l.Queue().EmergencySave()
}

// Shutdown retires the current queue: the loop stops, buffered records get
// one delivery attempt and the rest are saved to disk.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.initMu.Lock()
	defer l.initMu.Unlock()

	return l.retire(ctx, l.Queue())
}

func (l *Logger) retire(ctx context.Context, q *queue.Queue) error {
	var result *multierror.Error

	q.Stop()

	if err := q.Flush(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("flushing queue %s: %w", q.Name(), err))
	}

	if _, err := q.EmergencySave(); err != nil {
		result = multierror.Append(result, fmt.Errorf("saving queue %s: %w", q.Name(), err))
	}

	return result.ErrorOrNil()
}

func (l *Logger) newQueue(cfg Config, s sink.Sink) (*queue.Queue, error) {
	opts := append([]queue.Option{queue.WithHealth(l.health)}, l.queueOpts...)

	return queue.New(l.log, queue.Config{
		Name:   cfg.Name,
		Window: cfg.BatchWindow,
		Dir:    cfg.Dir,
	}, s, opts...)
}
