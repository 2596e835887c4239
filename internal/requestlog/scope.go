package requestlog

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/requestlog/internal/record"
)

// scope is the current record of a context. Finishing it swaps the record
// for Null, so later calls through the same context are absorbed.
type scope struct {
	mu  sync.Mutex
	rec record.Recorder
}

var _ record.Recorder = (*scope)(nil)

func (s *scope) current() record.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rec
}

func (s *scope) Set(attrs map[string]any) { s.current().Set(attrs) }

func (s *scope) Inc(name string, amount int64) { s.current().Inc(name, amount) }

func (s *scope) IncAll(counts map[string]int64) { s.current().IncAll(counts) }

func (s *scope) Timer(name string) *record.Timer { return s.current().Timer(name) }

func (s *scope) IncTimer(name string, d time.Duration) { s.current().IncTimer(name, d) }

func (s *scope) RecordError(err error) { s.current().RecordError(err) }

func (s *scope) Attributes() map[string]any { return s.current().Attributes() }

func (s *scope) Finish() {
	s.mu.Lock()
	rec := s.rec
	s.rec = record.Null{}
	s.mu.Unlock()

	rec.Finish()
}

// Begin starts a record with attrs and returns a context carrying it. The
// record is submitted to the Logger's current queue when it finishes.
func (l *Logger) Begin(ctx context.Context, attrs map[string]any) (context.Context, record.Recorder) {
	s := &scope{rec: record.New(l, attrs, l.recordOpts...)}

	return record.NewContext(ctx, s), s
}

// Finish closes the record in ctx, first recording err when it is not nil.
// Later calls through ctx are ignored.
func Finish(ctx context.Context, err error) {
	rec := record.FromContext(ctx)

	if err != nil {
		rec.RecordError(err)
	}

	rec.Finish()
}

// Set merges attrs into the record in ctx.
func Set(ctx context.Context, attrs map[string]any) {
	record.FromContext(ctx).Set(attrs)
}

// Inc adds amount to the named counter of the record in ctx.
func Inc(ctx context.Context, name string, amount int64) {
	record.FromContext(ctx).Inc(name, amount)
}

// IncAll adds every entry of counts to the record in ctx.
func IncAll(ctx context.Context, counts map[string]int64) {
	record.FromContext(ctx).IncAll(counts)
}

// Timer returns an unstarted timer on the record in ctx.
func Timer(ctx context.Context, name string) *record.Timer {
	return record.FromContext(ctx).Timer(name)
}

// IncTimer adds an externally measured duration to the timer called name on
// the record in ctx.
func IncTimer(ctx context.Context, name string, d time.Duration) {
	record.FromContext(ctx).IncTimer(name, d)
}

// Read returns a copy of the attributes of the record in ctx.
func Read(ctx context.Context) map[string]any {
	return record.FromContext(ctx).Attributes()
}

// TimedAs runs fn under a timer called name on the record in ctx.
func TimedAs(ctx context.Context, name string, fn func() error) error {
	return Timer(ctx, name).Time(fn)
}

// Timed runs fn under a timer named after fn itself.
func Timed(ctx context.Context, fn func() error) error {
	return TimedAs(ctx, funcName(fn), fn)
}

// funcName returns the bare name of fn: "fetchFruit" for a package
// function, "Method" for a method value, "func1" for a closure.
func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "func"
	}

	name := f.Name()
	name = strings.TrimSuffix(name, "-fm")

	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	return name
}
