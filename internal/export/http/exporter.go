// Package http delivers record buckets as NDJSON to Vector or any other
// HTTP collector, either inline or through a background batch processor.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/version"
)

// ContentTypeNDJSON is the content type of exported bodies.
const ContentTypeNDJSON = "application/x-ndjson"

// Item is one queued record together with the bucket it was flushed from.
type Item struct {
	Bucket time.Time
	Record map[string]any
}

// Exporter posts records as NDJSON, one line per record, each stamped with
// its bucket start.
type Exporter struct {
	cfg    Config
	client *http.Client
	codec  Codec
	log    logrus.FieldLogger
}

var _ processor.ItemExporter[Item] = (*Exporter)(nil)

// NewExporter creates an exporter for cfg.
func NewExporter(log logrus.FieldLogger, cfg Config) (*Exporter, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	conns := 2
	if cfg.Async.Enabled {
		conns = cfg.Async.Workers * 2
	}

	return &Exporter{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        conns,
				MaxIdleConnsPerHost: conns,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   cfg.DisableKeepAlive,
			},
			Timeout: cfg.Timeout,
		},
		codec: codec,
		log:   log.WithField("component", "http_exporter"),
	}, nil
}

// Export posts one bucket of records in a single request. It returns nil
// only when the collector answered with a 2xx status.
func (e *Exporter) Export(ctx context.Context, bucket time.Time, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer

	buf.Grow(len(records) * 256)

	encoder := json.NewEncoder(&buf)
	stamp := bucketStamp(bucket)

	for _, rec := range records {
		if err := e.encode(encoder, stamp, rec); err != nil {
			return err
		}
	}

	return e.post(ctx, buf.Bytes(), len(records))
}

// ExportItems posts a processor batch, which may span several buckets.
func (e *Exporter) ExportItems(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	var (
		buf          bytes.Buffer
		last         time.Time
		stamp        string
		sent, stamps int
	)

	buf.Grow(len(items) * 256)

	encoder := json.NewEncoder(&buf)

	for _, item := range items {
		if item == nil {
			continue
		}

		if stamps == 0 || !item.Bucket.Equal(last) {
			last, stamp = item.Bucket, bucketStamp(item.Bucket)
			stamps++
		}

		if err := e.encode(encoder, stamp, item.Record); err != nil {
			return err
		}

		sent++
	}

	if sent == 0 {
		return nil
	}

	e.log.WithField("buckets", stamps).Trace("Exporting processor batch")

	return e.post(ctx, buf.Bytes(), sent)
}

// Shutdown releases the codec.
func (e *Exporter) Shutdown(_ context.Context) error {
	if e.codec != nil {
		return e.codec.Close()
	}

	return nil
}

// encode writes rec with the bucket field set, leaving rec untouched.
func (e *Exporter) encode(encoder *json.Encoder, stamp string, rec map[string]any) error {
	line := make(map[string]any, len(rec)+1)
	maps.Copy(line, rec)
	line[e.cfg.BucketField] = stamp

	if err := encoder.Encode(line); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	return nil
}

func (e *Exporter) post(ctx context.Context, data []byte, records int) error {
	body, err := e.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("compressing data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", ContentTypeNDJSON)
	req.Header.Set("User-Agent", version.UserAgent())

	if encoding := e.codec.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	e.log.WithFields(logrus.Fields{
		"records":    records,
		"bytes":      len(data),
		"compressed": len(body),
	}).Debug("Exported records via HTTP")

	return nil
}

func bucketStamp(bucket time.Time) string {
	return bucket.UTC().Format(time.RFC3339Nano)
}
