// Package queue buffers finished records in fixed time windows and delivers
// each window to a sink once it has elapsed. Records that cannot be
// delivered before shutdown are dumped to disk and re-ingested by the next
// process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/export"
	"github.com/ethpandaops/requestlog/internal/record"
	"github.com/ethpandaops/requestlog/internal/sink"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrStopped is returned when starting a queue that was stopped.
var ErrStopped = errors.New("queue stopped")

// Config configures a Queue.
type Config struct {
	// Name identifies the queue's emergency dump files.
	Name string `yaml:"name"`
	// Window is the bucket width. Zero delivers every record synchronously
	// inside Submit.
	Window time.Duration `yaml:"window"`
	// Dir is where emergency dumps are written and recovered from.
	// Defaults to the working directory.
	Dir string `yaml:"dir"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !validName.MatchString(c.Name) {
		return fmt.Errorf("invalid queue name %q: only letters, digits, '-' and '_' are allowed", c.Name)
	}

	if c.Window < 0 {
		return errors.New("window must not be negative")
	}

	return nil
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the clock used for bucketing and dump file names.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithHealth reports queue activity to health metrics.
func WithHealth(health *export.HealthMetrics) Option {
	return func(q *Queue) {
		q.health = health
	}
}

type sinkBox struct {
	s sink.Sink
}

// Queue groups submitted records into time buckets and flushes elapsed
// buckets to its sink. It is safe for concurrent use.
//
// The mutex only guards the bucket map. It is never held across a sink
// call or file I/O, so two flushes may deliver the same bucket; delivery is
// at-least-once.
type Queue struct {
	log    logrus.FieldLogger
	cfg    Config
	now    func() time.Time
	health *export.HealthMetrics

	sink atomic.Pointer[sinkBox]

	mu      sync.Mutex
	buckets map[int64]*bucket
	gen     uint64
	pending int

	// Serializes emergency saves so dump file names never collide.
	saveMu sync.Mutex

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	wake        chan struct{}
}

var _ record.Submitter = (*Queue)(nil)

// New creates a queue. A nil sink falls back to sink.Default. The
// background loop does not run until Start is called.
func New(
	log logrus.FieldLogger,
	cfg Config,
	s sink.Sink,
	opts ...Option,
) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Dir == "" {
		cfg.Dir = "."
	}

	q := &Queue{
		log: log.WithFields(logrus.Fields{
			"component": "queue",
			"queue":     cfg.Name,
		}),
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[int64]*bucket, 4),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(q)
	}

	if s == nil {
		s = sink.NewDefault(log, os.Stderr)
	}

	q.SetSink(s)

	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Window returns the bucket width.
func (q *Queue) Window() time.Duration { return q.cfg.Window }

// Dir returns the emergency dump directory.
func (q *Queue) Dir() string { return q.cfg.Dir }

// SetSink replaces the active sink. Flushes already running keep using
// the previous one.
func (q *Queue) SetSink(s sink.Sink) {
	if s == nil {
		return
	}

	q.sink.Store(&sinkBox{s: s})
}

// Sink returns the active sink.
func (q *Queue) Sink() sink.Sink {
	return q.sink.Load().s
}

// Submit adds a finished record to the bucket of the current window. With
// a zero window the record is delivered before Submit returns.
func (q *Queue) Submit(data map[string]any) {
	now := q.now()
	key := floorToWindow(now, q.cfg.Window)

	q.mu.Lock()
	q.appendLocked(key, data)
	q.mu.Unlock()

	if q.health != nil {
		q.health.RecordsSubmitted.Inc()
	}

	if q.cfg.Window == 0 {
		// The bucket key is now itself, so the bound must be just past it.
		if err := q.FlushBefore(context.Background(), time.Unix(0, key+1)); err != nil {
			q.log.WithError(err).Warn("Immediate delivery failed, records kept for retry")
		}
	}
}

// Flush delivers every bucket that started at or before now, including the
// window still accumulating.
func (q *Queue) Flush(ctx context.Context) error {
	return q.FlushBefore(ctx, q.now().Add(time.Nanosecond))
}

// FlushBefore delivers, in ascending order, every bucket whose start is
// strictly before upper. A bucket is removed only when the sink accepted
// it; failed buckets stay queued and the returned error joins every
// failure.
func (q *Queue) FlushBefore(ctx context.Context, upper time.Time) error {
	keys := q.dueKeys(upper.UnixNano())
	if len(keys) == 0 {
		return nil
	}

	start := time.Now()

	var result *multierror.Error

	for _, key := range keys {
		snap, ok := q.snapshot(key)
		if !ok {
			continue
		}

		if err := q.deliver(ctx, snap); err != nil {
			q.log.WithError(err).WithFields(logrus.Fields{
				"bucket":  bucketTime(key).Format(time.RFC3339Nano),
				"records": len(snap.records),
			}).Warn("Bucket delivery failed, keeping it for retry")

			result = multierror.Append(result, fmt.Errorf("bucket %s: %w", bucketTime(key).Format(time.RFC3339Nano), err))

			continue
		}

		q.remove(snap)
	}

	if q.health != nil {
		q.health.FlushDuration.Observe(time.Since(start).Seconds())
	}

	return result.ErrorOrNil()
}

// Pending returns the number of buffered records.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending
}

// PendingBuckets returns the start of every buffered bucket in ascending
// order.
func (q *Queue) PendingBuckets() []time.Time {
	q.mu.Lock()
	keys := q.sortedKeysLocked()
	q.mu.Unlock()

	out := make([]time.Time, 0, len(keys))
	for _, k := range keys {
		out = append(out, bucketTime(k))
	}

	return out
}

// Start launches the background flush loop. Queues with a zero window have
// no loop. Starting a running queue does nothing.
func (q *Queue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	if q.started {
		return nil
	}

	q.started = true

	if q.cfg.Window <= 0 {
		close(q.done)

		return nil
	}

	ctx, q.cancel = context.WithCancel(ctx)

	go q.run(ctx)

	q.log.WithField("window", q.cfg.Window).Info("Queue started")

	return nil
}

// Stop ends the background loop and waits for it to exit. It does not
// interrupt a sink call in progress and does not flush; buffered records
// stay available to Flush and EmergencySave. Stop is terminal and
// idempotent.
func (q *Queue) Stop() {
	q.lifecycleMu.Lock()

	if q.stopped {
		q.lifecycleMu.Unlock()

		return
	}

	q.stopped = true
	started := q.started
	cancel := q.cancel

	q.lifecycleMu.Unlock()

	if !started {
		return
	}

	if cancel != nil {
		cancel()
	}

	<-q.done

	q.log.Debug("Queue stopped")
}

// Running reports whether the queue has been started and not stopped.
func (q *Queue) Running() bool {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	return q.started && !q.stopped
}

// Wake asks the background loop to flush everything due now without
// waiting for the window to end. It never blocks.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	// Sink calls run to completion even when the loop is stopped.
	flushCtx := context.WithoutCancel(ctx)

	window := q.cfg.Window
	next := bucketTime(floorToWindow(q.now(), window)).Add(window)

	timer := time.NewTimer(untilOrZero(next, q.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.safeFlush(flushCtx, q.now())
		case <-timer.C:
			q.safeFlush(flushCtx, next)

			next = next.Add(window)
			timer.Reset(untilOrZero(next, q.now()))
		}
	}
}

// safeFlush keeps the loop alive whatever a flush does.
func (q *Queue) safeFlush(ctx context.Context, upper time.Time) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("Flush panicked")
		}
	}()

	if err := q.FlushBefore(ctx, upper); err != nil {
		q.log.WithError(err).Error("Periodic flush failed")
	}
}

func (q *Queue) deliver(ctx context.Context, snap snapshot) (err error) {
	s := q.Sink()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}

		if q.health == nil {
			return
		}

		q.health.SinkDeliveryDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			q.health.DeliveryFailures.WithLabelValues(s.Name()).Inc()

			return
		}

		q.health.RecordsDelivered.WithLabelValues(s.Name()).Add(float64(len(snap.records)))
		q.health.BucketSize.Observe(float64(len(snap.records)))
	}()

	return s.Deliver(ctx, bucketTime(snap.key), snap.records)
}

func (q *Queue) dueKeys(upper int64) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := q.sortedKeysLocked()

	n := sort.Search(len(keys), func(i int) bool { return keys[i] >= upper })

	return keys[:n]
}

func (q *Queue) snapshot(key int64) (snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.buckets[key]
	if !ok || len(b.records) == 0 {
		return snapshot{}, false
	}

	records := make([]map[string]any, len(b.records))
	copy(records, b.records)

	return snapshot{key: key, gen: b.gen, records: records}, true
}

// remove drops the delivered records from the head of their bucket. If a
// concurrent flush already removed them the bucket is left alone.
func (q *Queue) remove(snap snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.buckets[snap.key]
	if !ok || b.gen != snap.gen {
		return
	}

	n := len(snap.records)
	if n >= len(b.records) {
		delete(q.buckets, snap.key)
	} else {
		b.records = append([]map[string]any(nil), b.records[n:]...)
		b.gen = q.nextGenLocked()
	}

	q.pending -= n
	q.reportPendingLocked()
}

func (q *Queue) appendLocked(key int64, records ...map[string]any) {
	b, ok := q.buckets[key]
	if !ok {
		b = &bucket{gen: q.nextGenLocked()}
		q.buckets[key] = b
	}

	b.records = append(b.records, records...)
	q.pending += len(records)
	q.reportPendingLocked()
}

// prependLocked puts records back in front of a bucket, used when an
// emergency save could not be written.
func (q *Queue) prependLocked(key int64, records []map[string]any) {
	b, ok := q.buckets[key]
	if !ok {
		b = &bucket{}
		q.buckets[key] = b
	}

	b.records = append(append([]map[string]any(nil), records...), b.records...)
	b.gen = q.nextGenLocked()
	q.pending += len(records)
	q.reportPendingLocked()
}

func (q *Queue) sortedKeysLocked() []int64 {
	keys := make([]int64, 0, len(q.buckets))
	for k := range q.buckets {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

func (q *Queue) nextGenLocked() uint64 {
	q.gen++

	return q.gen
}

func (q *Queue) reportPendingLocked() {
	if q.health == nil {
		return
	}

	q.health.PendingRecords.Set(float64(q.pending))
	q.health.PendingBuckets.Set(float64(len(q.buckets)))
}

func untilOrZero(t, now time.Time) time.Duration {
	if d := t.Sub(now); d > 0 {
		return d
	}

	return 0
}
