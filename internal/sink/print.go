package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PrintConfig configures the print sink.
type PrintConfig struct {
	Enabled bool `yaml:"enabled"`
	// Output is "stdout" or "stderr". Defaults to stderr.
	Output string `yaml:"output"`
}

// Print writes each record as one JSON line.
type Print struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrint creates a print sink writing to w. A nil w means stderr.
func NewPrint(w io.Writer) *Print {
	if w == nil {
		w = os.Stderr
	}

	return &Print{w: w}
}

func (p *Print) Name() string { return "print" }

func (p *Print) Deliver(_ context.Context, _ time.Time, records []map[string]any) error {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)

	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing records: %w", err)
	}

	return nil
}

// DefaultWarning is written once by the Default sink.
const DefaultWarning = "WARNING: No sink configured for requestlog. Records are printed to stderr."

// Default prints records like Print and warns on its first delivery that
// no real sink was configured.
type Default struct {
	*Print

	log  logrus.FieldLogger
	once sync.Once
}

// NewDefault creates the fallback sink.
func NewDefault(log logrus.FieldLogger, w io.Writer) *Default {
	return &Default{
		Print: NewPrint(w),
		log:   log.WithField("sink", "default"),
	}
}

func (d *Default) Name() string { return "default" }

func (d *Default) Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error {
	d.once.Do(func() {
		d.log.Warn("No sink configured, printing records")

		d.Print.mu.Lock()
		fmt.Fprintln(d.Print.w, DefaultWarning)
		d.Print.mu.Unlock()
	})

	return d.Print.Deliver(ctx, bucket, records)
}
