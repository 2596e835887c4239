package record

import "time"

// Null is a Recorder that ignores everything. It stands in when no record
// is active so telemetry calls are always safe.
type Null struct{}

var _ Recorder = Null{}

func (Null) Set(map[string]any) {}

func (Null) Inc(string, int64) {}

func (Null) IncAll(map[string]int64) {}

func (Null) IncTimer(string, time.Duration) {}

func (Null) RecordError(error) {}

func (Null) Finish() {}

func (Null) Attributes() map[string]any { return map[string]any{} }

// Timer returns a timer that measures nothing.
func (Null) Timer(name string) *Timer {
	return &Timer{name: name}
}
