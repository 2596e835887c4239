// Package record accumulates the attributes, counters and timers of one
// unit of work into a single flat attribute map.
package record

import (
	"os"
	"reflect"
	"sync"
	"time"
)

// Submitter receives the final attribute map of a finished record.
type Submitter interface {
	Submit(data map[string]any)
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(data map[string]any)

// Submit calls f(data).
func (f SubmitterFunc) Submit(data map[string]any) { f(data) }

// Recorder is implemented by Record and by the no-op Null record, so call
// sites never need to check whether a record is active.
type Recorder interface {
	// Set merges attrs into the record. Later values win.
	Set(attrs map[string]any)
	// Inc adds amount to the named counter, creating it when absent.
	Inc(name string, amount int64)
	// IncAll applies Inc for every entry of counts.
	IncAll(counts map[string]int64)
	// Timer returns a new, unstarted timer reporting into the record.
	Timer(name string) *Timer
	// IncTimer reports a duration measured elsewhere as one stop of the
	// named timer.
	IncTimer(name string, d time.Duration)
	// RecordError marks the record as faulted and stores err's type and message.
	RecordError(err error)
	// Finish closes the record and submits its attributes.
	Finish()
	// Attributes returns a copy of the current attribute map.
	Attributes() map[string]any
}

// DefaultEnvAttributes maps attribute names to environment variables that
// are stamped onto every record when set.
var DefaultEnvAttributes = map[string]string{
	"dyno": "DYNO",
}

// Record is the telemetry state of a single unit of work. It is safe for
// concurrent use by the goroutines serving that unit of work.
type Record struct {
	mu sync.Mutex

	submitter Submitter
	now       func() time.Time
	usage     UsageSampler
	load      LoadSampler
	env       map[string]string

	start      time.Time
	startUsage Usage
	hasUsage   bool

	attributes map[string]any
	active     []*Timer
}

var _ Recorder = (*Record)(nil)

// Option configures a Record.
type Option func(*Record)

// WithClock overrides the wall clock used for start, end and timer stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Record) {
		if now != nil {
			r.now = now
		}
	}
}

// WithUsageSampler overrides the resource usage sampler.
func WithUsageSampler(fn UsageSampler) Option {
	return func(r *Record) {
		if fn != nil {
			r.usage = fn
		}
	}
}

// WithLoadSampler overrides the load average sampler.
func WithLoadSampler(fn LoadSampler) Option {
	return func(r *Record) {
		if fn != nil {
			r.load = fn
		}
	}
}

// WithEnvAttributes replaces DefaultEnvAttributes for this record.
func WithEnvAttributes(env map[string]string) Option {
	return func(r *Record) {
		r.env = env
	}
}

// New starts a record with the given initial attributes. The finished
// record is handed to submitter; a nil submitter discards it.
func New(submitter Submitter, attrs map[string]any, opts ...Option) *Record {
	r := &Record{
		submitter:  submitter,
		now:        time.Now,
		usage:      SampleUsage,
		load:       SampleLoad,
		env:        DefaultEnvAttributes,
		attributes: make(map[string]any, len(attrs)+16),
	}

	for _, opt := range opts {
		opt(r)
	}

	for k, v := range attrs {
		r.attributes[k] = v
	}

	r.start = r.now()
	r.startUsage, r.hasUsage = r.usage()

	var loadavg any
	if l, ok := r.load(); ok {
		loadavg = l
	}

	r.attributes["start_time"] = formatTime(r.start)
	r.attributes["pid"] = os.Getpid()
	r.attributes["loadavg"] = loadavg
	r.attributes["fault"] = 0

	for attr, envVar := range r.env {
		if v := os.Getenv(envVar); v != "" {
			r.attributes[attr] = v
		}
	}

	return r
}

// Set merges attrs into the record.
func (r *Record) Set(attrs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range attrs {
		r.attributes[k] = v
	}
}

// SetValue sets a single attribute.
func (r *Record) SetValue(key string, value any) {
	r.mu.Lock()
	r.attributes[key] = value
	r.mu.Unlock()
}

// Inc adds amount to the named counter.
func (r *Record) Inc(name string, amount int64) {
	r.mu.Lock()
	r.incLocked(name, amount)
	r.mu.Unlock()
}

// IncAll adds every entry of counts to its counter.
func (r *Record) IncAll(counts map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, amount := range counts {
		r.incLocked(name, amount)
	}
}

// Timer returns a new timer bound to this record. It is not started.
func (r *Record) Timer(name string) *Timer {
	return &Timer{name: name, owner: r}
}

// IncTimer adds d to {name}_ms and one to {name}_cnt, exactly as stopping a
// timer called name after d would.
func (r *Record) IncTimer(name string, d time.Duration) {
	r.mu.Lock()
	r.addTimingLocked(name, d)
	r.mu.Unlock()
}

// RecordError stores err on the record and sets fault=1. A nil err is ignored.
func (r *Record) RecordError(err error) {
	if err == nil {
		return
	}

	r.Set(map[string]any{
		"fault":         1,
		"error_class":   errorClass(err),
		"error_message": err.Error(),
	})
}

// Finish stamps end time, duration and resource usage deltas, stops any
// timer still running and submits a copy of the attributes. Calling Finish
// twice submits twice.
func (r *Record) Finish() {
	r.mu.Lock()

	end := r.now()

	r.attributes["end_time"] = formatTime(end)
	r.attributes["duration_ms"] = msFromDuration(end.Sub(r.start))

	endUsage, ok := r.usage()
	if ok && r.hasUsage {
		r.attributes["user_ms"] = msFromDuration(endUsage.User - r.startUsage.User)
		r.attributes["sys_ms"] = msFromDuration(endUsage.System - r.startUsage.System)
		r.attributes["max_rss"] = endUsage.MaxRSS
		r.attributes["inc_max_rss"] = endUsage.MaxRSS - r.startUsage.MaxRSS
	} else {
		r.attributes["user_ms"] = nil
		r.attributes["sys_ms"] = nil
		r.attributes["max_rss"] = nil
		r.attributes["inc_max_rss"] = nil
	}

	// There should be none left, but a forgotten Stop must not lose timing data.
	for len(r.active) > 0 {
		r.stopTimerLocked(r.active[0], r.now())
	}

	data := r.copyLocked()
	submitter := r.submitter

	r.mu.Unlock()

	if submitter != nil {
		submitter.Submit(data)
	}
}

// Attributes returns a copy of the attribute map.
func (r *Record) Attributes() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.copyLocked()
}

// ActiveTimers returns the number of timers currently running.
func (r *Record) ActiveTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.active)
}

// StartTime returns when the record was created.
func (r *Record) StartTime() time.Time {
	return r.start
}

func (r *Record) copyLocked() map[string]any {
	data := make(map[string]any, len(r.attributes))
	for k, v := range r.attributes {
		data[k] = v
	}

	return data
}

func (r *Record) incLocked(name string, amount int64) {
	current, ok := r.attributes[name]
	if !ok {
		r.attributes[name] = amount

		return
	}

	r.attributes[name] = addNumber(current, amount)
}

func (r *Record) startTimerLocked(t *Timer) {
	t.start = r.now()
	t.running = true
	r.active = append(r.active, t)
}

func (r *Record) addTimingLocked(name string, d time.Duration) {
	r.incLocked(name+"_ms", msFromDuration(d))
	r.incLocked(name+"_cnt", 1)
}

func (r *Record) stopTimerLocked(t *Timer, now time.Time) {
	if !t.running {
		return
	}

	r.addTimingLocked(t.name, now.Sub(t.start))

	for i, a := range r.active {
		if a == t {
			r.active = append(r.active[:i], r.active[i+1:]...)

			break
		}
	}

	t.running = false
}

// addNumber adds amount to a numeric attribute value. Values that are not
// numbers are replaced by amount.
func addNumber(current any, amount int64) any {
	switch v := current.(type) {
	case int64:
		return v + amount
	case int:
		return int64(v) + amount
	case int32:
		return int64(v) + amount
	case uint32:
		return int64(v) + amount
	case uint64:
		return int64(v) + amount
	case float64:
		return v + float64(amount)
	case float32:
		return float64(v) + float64(amount)
	default:
		return amount
	}
}

// errorClass returns the package-qualified type name of err.
func errorClass(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.PkgPath() == "" || t.Name() == "" {
		return reflect.TypeOf(err).String()
	}

	return t.PkgPath() + "." + t.Name()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

func msFromDuration(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}
