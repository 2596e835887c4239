package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBucket = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// collector records every NDJSON line it receives.
type collector struct {
	mu       sync.Mutex
	lines    []map[string]any
	requests int
	status   int
}

func (c *collector) server(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		codec, err := CodecForContentEncoding(r.Header.Get("Content-Encoding"))
		assert.NoError(t, err)

		body, err = codec.Decode(body)
		assert.NoError(t, err)

		c.mu.Lock()
		defer c.mu.Unlock()

		c.requests++

		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			var rec map[string]any
			if json.Unmarshal([]byte(line), &rec) == nil {
				c.lines = append(c.lines, rec)
			}
		}

		status := c.status
		if status == 0 {
			status = http.StatusOK
		}

		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.lines)
}

func testRecords() []map[string]any {
	return []map[string]any{
		{"route": "/fruit", "duration_ms": int64(12)},
		{"route": "/flower", "duration_ms": int64(30)},
	}
}

func TestExporter_Export(t *testing.T) {
	var (
		contentType     string
		contentEncoding string
		customHeader    string
		userAgent       string
	)

	c := &collector{}
	inner := c.server(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		contentEncoding = r.Header.Get("Content-Encoding")
		customHeader = r.Header.Get("X-Custom-Header")
		userAgent = r.Header.Get("User-Agent")

		inner.Config.Handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	exporter, err := NewExporter(quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionGzip,
		Headers:     map[string]string{"X-Custom-Header": "test-value"},
	})
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	records := testRecords()
	require.NoError(t, exporter.Export(context.Background(), testBucket, records))

	assert.Equal(t, ContentTypeNDJSON, contentType)
	assert.Equal(t, "gzip", contentEncoding)
	assert.Equal(t, "test-value", customHeader)
	assert.True(t, strings.HasPrefix(userAgent, "requestlog/"))

	require.Equal(t, 2, c.count())
	assert.Equal(t, 1, c.requests)
	assert.Equal(t, "/fruit", c.lines[0]["route"])
	assert.Equal(t, "2024-03-01T12:00:00Z", c.lines[0][DefaultBucketField])
	assert.Equal(t, "2024-03-01T12:00:00Z", c.lines[1][DefaultBucketField])

	// The caller's records are not modified.
	assert.NotContains(t, records[0], DefaultBucketField)
}

func TestExporter_CustomBucketField(t *testing.T) {
	c := &collector{}
	server := c.server(t)

	exporter, err := NewExporter(quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
		BucketField: "window",
	})
	require.NoError(t, err)

	bucket := time.Date(2024, 3, 1, 12, 0, 0, 500, time.FixedZone("x", 3600))
	require.NoError(t, exporter.Export(context.Background(), bucket, testRecords()[:1]))

	require.Equal(t, 1, c.count())
	assert.Equal(t, "2024-03-01T11:00:00.0000005Z", c.lines[0]["window"])
	assert.NotContains(t, c.lines[0], DefaultBucketField)
}

func TestExporter_ExportItemsAcrossBuckets(t *testing.T) {
	c := &collector{}
	server := c.server(t)

	exporter, err := NewExporter(quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionSnappy,
	})
	require.NoError(t, err)

	next := testBucket.Add(10 * time.Second)
	items := []*Item{
		{Bucket: testBucket, Record: map[string]any{"route": "/a"}},
		nil,
		{Bucket: next, Record: map[string]any{"route": "/b"}},
	}

	require.NoError(t, exporter.ExportItems(context.Background(), items))

	require.Equal(t, 2, c.count())
	assert.Equal(t, 1, c.requests)
	assert.Equal(t, "2024-03-01T12:00:00Z", c.lines[0][DefaultBucketField])
	assert.Equal(t, "2024-03-01T12:00:10Z", c.lines[1][DefaultBucketField])
}

func TestExporter_ServerError(t *testing.T) {
	c := &collector{status: http.StatusInternalServerError}
	server := c.server(t)

	exporter, err := NewExporter(quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
	})
	require.NoError(t, err)

	err = exporter.Export(context.Background(), testBucket, testRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 500")
}

func TestExporter_EmptyBucket(t *testing.T) {
	c := &collector{}
	server := c.server(t)

	exporter, err := NewExporter(quietLog(), Config{
		Enabled: true,
		Address: server.URL,
	})
	require.NoError(t, err)

	require.NoError(t, exporter.Export(context.Background(), testBucket, nil))
	require.NoError(t, exporter.ExportItems(context.Background(), []*Item{nil}))
	assert.Zero(t, c.requests)
}

func TestExporter_InvalidConfig(t *testing.T) {
	_, err := NewExporter(quietLog(), Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")

	_, err = NewExporter(quietLog(), Config{
		Enabled:     true,
		Address:     "http://localhost",
		Compression: "brotli",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid compression type")
}

func TestProcessor_DeliversInBackground(t *testing.T) {
	c := &collector{}
	server := c.server(t)

	proc, err := NewProcessor(quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
		Async:       AsyncConfig{Enabled: true, BatchTimeout: 50 * time.Millisecond},
	}, "test_http")
	require.NoError(t, err)

	proc.Start(context.Background())

	require.NoError(t, proc.Enqueue(context.Background(), testBucket, testRecords()))

	assert.Eventually(t, func() bool {
		return c.count() == 2 && proc.Pending() == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "2024-03-01T12:00:00Z", c.lines[0][DefaultBucketField])
	require.NoError(t, proc.Shutdown(context.Background()))
}

func TestProcessor_RefusesBucketBeyondCapacity(t *testing.T) {
	c := &collector{}
	server := c.server(t)

	proc, err := NewProcessor(quietLog(), Config{
		Enabled: true,
		Address: server.URL,
		Async: AsyncConfig{
			Enabled:      true,
			BatchSize:    2,
			MaxQueueSize: 3,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, "test_http_full")
	require.NoError(t, err)

	// Not started, so queued records stay pending.
	require.NoError(t, proc.Enqueue(context.Background(), testBucket, testRecords()))
	assert.Equal(t, int64(2), proc.Pending())

	err = proc.Enqueue(context.Background(), testBucket, testRecords())
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(2), proc.Pending())

	proc.Start(context.Background())
	require.NoError(t, proc.Shutdown(context.Background()))

	assert.Equal(t, 2, c.count())
	assert.Zero(t, proc.Pending())
}

func TestProcessor_ShutdownDrainsAfterStartContextCancelled(t *testing.T) {
	c := &collector{}
	server := c.server(t)

	proc, err := NewProcessor(quietLog(), Config{
		Enabled: true,
		Address: server.URL,
		Async:   AsyncConfig{Enabled: true, BatchTimeout: 50 * time.Millisecond},
	}, "test_http_cancel")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	proc.Start(ctx)
	cancel()

	require.NoError(t, proc.Enqueue(context.Background(), testBucket, testRecords()))
	require.NoError(t, proc.Shutdown(context.Background()))

	assert.Equal(t, 2, c.count())
}

func TestProcessor_FailedExportSettles(t *testing.T) {
	c := &collector{status: http.StatusServiceUnavailable}
	server := c.server(t)

	proc, err := NewProcessor(quietLog(), Config{
		Enabled: true,
		Address: server.URL,
		Async:   AsyncConfig{Enabled: true, BatchTimeout: 50 * time.Millisecond},
	}, "test_http_fail")
	require.NoError(t, err)

	proc.Start(context.Background())
	require.NoError(t, proc.Enqueue(context.Background(), testBucket, testRecords()))

	assert.Eventually(t, func() bool {
		return proc.Pending() == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, proc.Shutdown(context.Background()))
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Enabled: true, Address: "http://localhost", Async: AsyncConfig{Enabled: true}}
	cfg.ApplyDefaults()

	assert.Equal(t, CompressionGzip, cfg.Compression)
	assert.Equal(t, DefaultBucketField, cfg.BucketField)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 1000, cfg.Async.BatchSize)
	assert.Equal(t, 100000, cfg.Async.MaxQueueSize)
	assert.Equal(t, 2, cfg.Async.Workers)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "disabled",
			cfg:  Config{},
		},
		{
			name:    "missing address",
			cfg:     Config{Enabled: true, BucketField: DefaultBucketField},
			wantErr: "address is required",
		},
		{
			name:    "missing bucket field",
			cfg:     Config{Enabled: true, Address: "http://localhost"},
			wantErr: "bucket_field is required",
		},
		{
			name: "async tuning ignored when sync",
			cfg: Config{
				Enabled:     true,
				Address:     "http://localhost",
				BucketField: DefaultBucketField,
			},
		},
		{
			name: "batch larger than queue",
			cfg: Config{
				Enabled:     true,
				Address:     "http://localhost",
				BucketField: DefaultBucketField,
				Async:       AsyncConfig{Enabled: true, BatchSize: 10, MaxQueueSize: 5, Workers: 1},
			},
			wantErr: "exceeds max_queue_size",
		},
		{
			name: "no workers",
			cfg: Config{
				Enabled:     true,
				Address:     "http://localhost",
				BucketField: DefaultBucketField,
				Async:       AsyncConfig{Enabled: true, BatchSize: 1, MaxQueueSize: 5},
			},
			wantErr: "workers must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
