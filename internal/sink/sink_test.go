package sink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

var testBucket = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testRecords() []map[string]any {
	return []map[string]any{
		{"route": "/fruit", "duration_ms": int64(12), "fault": 0},
		{"route": "/flower", "duration_ms": int64(30), "fault": 1},
	}
}

type lifecycleSink struct {
	name    string
	err     error
	started bool
	stopped bool
	order   *[]string
}

func (s *lifecycleSink) Name() string { return s.name }

func (s *lifecycleSink) Deliver(context.Context, time.Time, []map[string]any) error {
	return s.err
}

func (s *lifecycleSink) Start(context.Context) error {
	if s.err != nil {
		return s.err
	}

	s.started = true

	return nil
}

func (s *lifecycleSink) Stop() error {
	s.stopped = true

	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}

	return nil
}

func TestFunc(t *testing.T) {
	var got []map[string]any

	s := Func("fn", func(_ context.Context, bucket time.Time, records []map[string]any) error {
		assert.Equal(t, testBucket, bucket)

		got = records

		return nil
	})

	assert.Equal(t, "fn", s.Name())
	require.NoError(t, s.Deliver(context.Background(), testBucket, testRecords()))
	assert.Len(t, got, 2)

	// Func sinks have no lifecycle.
	assert.NoError(t, Start(context.Background(), s))
	assert.NoError(t, Stop(s))
}

func TestBuffer(t *testing.T) {
	b := NewBuffer()

	require.NoError(t, b.Deliver(context.Background(), testBucket, testRecords()))
	require.NoError(t, b.Deliver(context.Background(), testBucket.Add(time.Second), testRecords()[:1]))

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, "/fruit", b.Records()[0]["route"])
	assert.Equal(t, []time.Time{testBucket, testBucket.Add(time.Second)}, b.Buckets())

	b.Reset()
	assert.Zero(t, b.Len())
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer

	p := NewPrint(&buf)
	require.NoError(t, p.Deliver(context.Background(), testBucket, testRecords()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"route":"/fruit"`)
	assert.Contains(t, lines[1], `"route":"/flower"`)
}

func TestPrint_EncodeError(t *testing.T) {
	var buf bytes.Buffer

	p := NewPrint(&buf)
	err := p.Deliver(context.Background(), testBucket, []map[string]any{{"bad": make(chan int)}})
	require.Error(t, err)
	assert.Empty(t, buf.String())
}

func TestDefault_WarnsOnce(t *testing.T) {
	var buf bytes.Buffer

	log, hook := test.NewNullLogger()

	d := NewDefault(log, &buf)
	assert.Equal(t, "default", d.Name())

	require.NoError(t, d.Deliver(context.Background(), testBucket, testRecords()))
	require.NoError(t, d.Deliver(context.Background(), testBucket, testRecords()))

	assert.Equal(t, 1, strings.Count(buf.String(), DefaultWarning))
	assert.Equal(t, 4, strings.Count(buf.String(), `"route"`))

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestLogger(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	s, err := NewLogger(log, "")
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), testBucket, testRecords()))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, "/fruit", entries[0].Data["route"])
	assert.Equal(t, "logger", entries[0].Data["sink"])
	assert.Equal(t, "2024-03-01T12:00:00Z", entries[0].Data["bucket_start"])
}

func TestLogger_Level(t *testing.T) {
	log, hook := test.NewNullLogger()

	s, err := NewLogger(log, "info")
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), testBucket, testRecords()[:1]))
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	_, err = NewLogger(log, "loud")
	assert.Error(t, err)
}

func TestFanout_Deliver(t *testing.T) {
	a := NewBuffer()
	b := NewBuffer()

	f := NewFanout(a, b)
	require.NoError(t, f.Deliver(context.Background(), testBucket, testRecords()))

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())
	assert.Len(t, f.Sinks(), 2)
}

func TestFanout_FailureReachesEverySink(t *testing.T) {
	failing := &lifecycleSink{name: "broken", err: errors.New("down")}
	b := NewBuffer()

	f := NewFanout(failing, b)
	err := f.Deliver(context.Background(), testBucket, testRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink broken: down")

	// The healthy sink still received the bucket.
	assert.Equal(t, 2, b.Len())
}

func TestFanout_Lifecycle(t *testing.T) {
	var order []string

	a := &lifecycleSink{name: "a", order: &order}
	b := &lifecycleSink{name: "b", order: &order}

	f := NewFanout(a, NewBuffer(), b)
	require.NoError(t, Start(context.Background(), f))
	assert.True(t, a.started)
	assert.True(t, b.started)

	require.NoError(t, Stop(f))
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestFanout_StartFailureStopsStarted(t *testing.T) {
	a := &lifecycleSink{name: "a"}
	b := &lifecycleSink{name: "b", err: errors.New("refused")}

	f := NewFanout(a, b)
	err := f.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting sink b")
	assert.True(t, a.stopped)
}

func TestConfig_Build(t *testing.T) {
	log, hook := test.NewNullLogger()

	s, err := Build(log, Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Default{}, s)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	s, err = Build(log, Config{Print: PrintConfig{Enabled: true, Output: "stdout"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Print{}, s)

	s, err = Build(log, Config{
		Print:  PrintConfig{Enabled: true},
		Logger: LoggerConfig{Enabled: true},
	}, nil)
	require.NoError(t, err)
	require.IsType(t, &Fanout{}, s)
	assert.Len(t, s.(*Fanout).Sinks(), 2)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty", cfg: Config{}},
		{
			name:    "bad print output",
			cfg:     Config{Print: PrintConfig{Output: "file"}},
			wantErr: "print: invalid output",
		},
		{
			name:    "bad logger level",
			cfg:     Config{Logger: LoggerConfig{Enabled: true, Level: "loud"}},
			wantErr: "logger",
		},
		{
			name:    "clickhouse without endpoint",
			cfg:     Config{ClickHouse: ClickHouseConfig{Enabled: true}},
			wantErr: "clickhouse: endpoint is required",
		},
		{
			name:    "redis without addr",
			cfg:     Config{Redis: RedisConfig{Enabled: true}},
			wantErr: "redis: addr is required",
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

	cfg := Config{Print: PrintConfig{Enabled: true}, Redis: RedisConfig{Enabled: true, Addr: "x"}}
	assert.Equal(t, []string{"print", "redis"}, cfg.Enabled())
}
