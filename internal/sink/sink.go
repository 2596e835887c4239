// Package sink defines the consumers that receive delivered time buckets of
// finished records.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Sink receives one time bucket of records per call. Records are delivered
// in submission order. Returning an error keeps the bucket in the queue for
// the next flush, so a sink that partially applied a bucket may see those
// records again.
type Sink interface {
	// Name returns the sink's name for logging and metrics.
	Name() string
	// Deliver hands over all records of the bucket starting at bucket.
	Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error
}

// Lifecycle is implemented by sinks that hold connections or background
// workers.
type Lifecycle interface {
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop shuts down the sink.
	Stop() error
}

// DeliverFunc is the signature of a function sink.
type DeliverFunc func(ctx context.Context, bucket time.Time, records []map[string]any) error

type funcSink struct {
	name string
	fn   DeliverFunc
}

// Func wraps fn as a named Sink.
func Func(name string, fn DeliverFunc) Sink {
	return &funcSink{name: name, fn: fn}
}

func (s *funcSink) Name() string { return s.name }

func (s *funcSink) Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error {
	return s.fn(ctx, bucket, records)
}

// Start starts s if it implements Lifecycle.
func Start(ctx context.Context, s Sink) error {
	lc, ok := s.(Lifecycle)
	if !ok {
		return nil
	}

	if err := lc.Start(ctx); err != nil {
		return fmt.Errorf("starting sink %s: %w", s.Name(), err)
	}

	return nil
}

// Stop stops s if it implements Lifecycle.
func Stop(s Sink) error {
	lc, ok := s.(Lifecycle)
	if !ok {
		return nil
	}

	if err := lc.Stop(); err != nil {
		return fmt.Errorf("stopping sink %s: %w", s.Name(), err)
	}

	return nil
}

// Fanout delivers every bucket to all of its sinks. A bucket counts as
// delivered only when every sink accepted it.
type Fanout struct {
	sinks []Sink
}

var _ Lifecycle = (*Fanout)(nil)

// NewFanout combines sinks into one.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Name returns "fanout".
func (f *Fanout) Name() string { return "fanout" }

// Sinks returns the member sinks.
func (f *Fanout) Sinks() []Sink {
	return f.sinks
}

// Deliver calls every sink, even after one fails, and joins their errors.
func (f *Fanout) Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error {
	var result *multierror.Error

	for _, s := range f.sinks {
		if err := s.Deliver(ctx, bucket, records); err != nil {
			result = multierror.Append(result, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}

	return result.ErrorOrNil()
}

// Start starts all member sinks, stopping the already started ones when
// one fails.
func (f *Fanout) Start(ctx context.Context) error {
	for i, s := range f.sinks {
		if err := Start(ctx, s); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = Stop(f.sinks[j])
			}

			return err
		}
	}

	return nil
}

// Stop stops all member sinks in reverse order.
func (f *Fanout) Stop() error {
	var result *multierror.Error

	for i := len(f.sinks) - 1; i >= 0; i-- {
		if err := Stop(f.sinks[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
