package sink

import (
	"context"
	"sync"
	"time"
)

// Buffer keeps every delivered record in memory.
type Buffer struct {
	mu      sync.Mutex
	records []map[string]any
	buckets []time.Time
}

// NewBuffer creates an empty buffer sink.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Name() string { return "buffer" }

func (b *Buffer) Deliver(_ context.Context, bucket time.Time, records []map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, records...)
	b.buckets = append(b.buckets, bucket)

	return nil
}

// Records returns a copy of all records delivered so far.
func (b *Buffer) Records() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]map[string]any, len(b.records))
	copy(out, b.records)

	return out
}

// Buckets returns the bucket start of every delivery, in call order.
func (b *Buffer) Buckets() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]time.Time, len(b.buckets))
	copy(out, b.buckets)

	return out
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.records)
}

// Reset drops all buffered records.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.records = nil
	b.buckets = nil
	b.mu.Unlock()
}
