package requestlog

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/requestlog/internal/record"
	"github.com/ethpandaops/requestlog/internal/sink"
)

func testLog() logrus.FieldLogger {
	log, _ := test.NewNullLogger()

	return log
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()

	l, err := New(testLog(), WithRecordOptions(
		record.WithUsageSampler(record.NoUsage),
		record.WithLoadSampler(record.NoLoad),
		record.WithEnvAttributes(nil),
	))
	require.NoError(t, err)

	return l
}

func initialize(t *testing.T, l *Logger, cfg Config) int {
	t.Helper()

	n, err := l.Initialize(context.Background(), cfg)
	require.NoError(t, err)

	return n
}

func fetchFruit() error {
	time.Sleep(2 * time.Millisecond)

	return nil
}

func TestLogger_BeginFinish(t *testing.T) {
	l := newTestLogger(t)
	buf := sink.NewBuffer()

	initialize(t, l, Config{Name: "fruit", Dir: t.TempDir(), Sink: buf})

	ctx, _ := l.Begin(context.Background(), map[string]any{"fruit": "banana"})
	Set(ctx, map[string]any{"flower": "rose"})
	Inc(ctx, "petals", 3)
	IncAll(ctx, map[string]int64{"petals": 2, "leaves": 1})

	Finish(ctx, nil)

	records := buf.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "banana", records[0]["fruit"])
	assert.Equal(t, "rose", records[0]["flower"])
	assert.Equal(t, int64(5), records[0]["petals"])
	assert.Equal(t, int64(1), records[0]["leaves"])
	assert.Equal(t, 0, records[0]["fault"])
	assert.Contains(t, records[0], "duration_ms")

	// The record is gone from the context once finished.
	Finish(ctx, nil)
	Set(ctx, map[string]any{"late": true})
	assert.Empty(t, Read(ctx))
	assert.Len(t, buf.Records(), 1)
}

func TestLogger_FinishWithError(t *testing.T) {
	l := newTestLogger(t)
	buf := sink.NewBuffer()

	initialize(t, l, Config{Name: "fruit", Dir: t.TempDir(), Sink: buf})

	ctx, _ := l.Begin(context.Background(), nil)
	Finish(ctx, errors.New("rotten"))

	records := buf.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0]["fault"])
	assert.Equal(t, "rotten", records[0]["error_message"])
	assert.Equal(t, "errors.errorString", records[0]["error_class"])
}

func TestLogger_Read(t *testing.T) {
	l := newTestLogger(t)

	ctx, _ := l.Begin(context.Background(), map[string]any{"fruit": "apple"})

	attrs := Read(ctx)
	assert.Equal(t, "apple", attrs["fruit"])
	assert.Contains(t, attrs, "start_time")

	attrs["fruit"] = "pear"
	assert.Equal(t, "apple", Read(ctx)["fruit"])
}

func TestHelpers_WithoutRecord(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		Set(ctx, map[string]any{"a": 1})
		Inc(ctx, "b", 1)
		IncAll(ctx, map[string]int64{"c": 1})
		IncTimer(ctx, "e", time.Second)
		require.NoError(t, TimedAs(ctx, "d", func() error { return nil }))
		Finish(ctx, errors.New("ignored"))
	})

	assert.Empty(t, Read(ctx))
}

func TestTimed(t *testing.T) {
	l := newTestLogger(t)
	buf := sink.NewBuffer()

	initialize(t, l, Config{Name: "fruit", Dir: t.TempDir(), Sink: buf})

	ctx, _ := l.Begin(context.Background(), nil)

	require.NoError(t, Timed(ctx, fetchFruit))
	require.NoError(t, TimedAs(ctx, "sleepy", fetchFruit))
	require.NoError(t, TimedAs(ctx, "sleepy", fetchFruit))

	wantErr := errors.New("no fruit")
	assert.ErrorIs(t, TimedAs(ctx, "failing", func() error { return wantErr }), wantErr)

	Finish(ctx, nil)

	records := buf.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0], "fetchFruit_ms")
	assert.Equal(t, int64(1), records[0]["fetchFruit_cnt"])
	assert.Equal(t, int64(2), records[0]["sleepy_cnt"])
	assert.Equal(t, int64(1), records[0]["failing_cnt"])
}

func TestIncTimer(t *testing.T) {
	l := newTestLogger(t)
	buf := sink.NewBuffer()

	initialize(t, l, Config{Name: "fruit", Dir: t.TempDir(), Sink: buf})

	ctx, _ := l.Begin(context.Background(), nil)

	require.NoError(t, TimedAs(ctx, "orchard", fetchFruit))
	IncTimer(ctx, "orchard", 1500*time.Millisecond)

	Finish(ctx, nil)

	// Once finished, further durations are absorbed.
	IncTimer(ctx, "orchard", time.Hour)

	records := buf.Records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0]["orchard_cnt"])
	assert.GreaterOrEqual(t, records[0]["orchard_ms"], int64(1502))
	assert.Less(t, records[0]["orchard_ms"], int64(1500+60*1000))
}

func TestFuncName(t *testing.T) {
	assert.Equal(t, "fetchFruit", funcName(fetchFruit))
	assert.True(t, strings.HasPrefix(funcName(func() {}), "func"))

	l := newTestLogger(t)
	assert.Equal(t, "Flush", funcName(l.Flush))
}

func TestLogger_DefaultQueue(t *testing.T) {
	l := newTestLogger(t)

	q := l.Queue()
	assert.Equal(t, DefaultName, q.Name())
	assert.Zero(t, q.Window())
	assert.Equal(t, "default", q.Sink().Name())
}

func TestLogger_InitializeSameQueueReplacesSink(t *testing.T) {
	l := newTestLogger(t)
	dir := t.TempDir()

	first := sink.NewBuffer()
	initialize(t, l, Config{Name: "fruit", Dir: dir, Sink: first})

	q := l.Queue()

	second := sink.NewBuffer()
	initialize(t, l, Config{Name: "fruit", Dir: dir, Sink: second})

	assert.Same(t, q, l.Queue())
	assert.Same(t, second, l.Queue().Sink())
}

func TestLogger_InitializeRetiresPreviousQueue(t *testing.T) {
	l := newTestLogger(t)
	dir := t.TempDir()
	buf := sink.NewBuffer()

	initialize(t, l, Config{Name: "fruit", BatchWindow: time.Hour, Dir: dir, Sink: buf})

	old := l.Queue()
	require.True(t, old.Running())

	ctx, _ := l.Begin(context.Background(), map[string]any{"fruit": "kiwi"})
	Finish(ctx, nil)

	assert.Equal(t, 1, old.Pending())
	assert.Empty(t, buf.Records())

	initialize(t, l, Config{Name: "flower", Dir: dir})

	// The old loop is gone and its records were delivered once.
	assert.False(t, old.Running())
	assert.Zero(t, old.Pending())
	require.Len(t, buf.Records(), 1)
	assert.Equal(t, "kiwi", buf.Records()[0]["fruit"])

	// The new queue inherits the sink.
	current := l.Queue()
	assert.NotSame(t, old, current)
	assert.Equal(t, "flower", current.Name())
	assert.Same(t, buf, current.Sink())

	ctx, _ = l.Begin(context.Background(), map[string]any{"flower": "tulip"})
	Finish(ctx, nil)

	require.Len(t, buf.Records(), 2)
	assert.Equal(t, "tulip", buf.Records()[1]["flower"])
}

func TestLogger_RetiredRecordsSurviveFailingSink(t *testing.T) {
	dir := t.TempDir()

	failing := sink.Func("failing", func(context.Context, time.Time, []map[string]any) error {
		return errors.New("unavailable")
	})

	l := newTestLogger(t)
	initialize(t, l, Config{Name: "fruit", BatchWindow: time.Hour, Dir: dir, Sink: failing})

	ctx, _ := l.Begin(context.Background(), map[string]any{"fruit": "mango"})
	Finish(ctx, nil)

	initialize(t, l, Config{Name: "flower", Dir: dir})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "fruit_dump."))

	buf := sink.NewBuffer()
	next := newTestLogger(t)

	n := initialize(t, next, Config{Name: "fruit", Dir: dir, Sink: buf, LoadEmergencySaves: true})
	assert.Equal(t, 1, n)

	require.Len(t, buf.Records(), 1)
	assert.Equal(t, "mango", buf.Records()[0]["fruit"])
}

func TestLogger_EmergencyShutdown(t *testing.T) {
	dir := t.TempDir()

	l := newTestLogger(t)
	initialize(t, l, Config{Name: "fruit", BatchWindow: time.Hour, Dir: dir, Sink: sink.NewBuffer()})

	done, _ := l.Begin(context.Background(), map[string]any{"fruit": "cherry"})
	Finish(done, nil)

	ctx, _ := l.Begin(context.Background(), map[string]any{"fruit": "plum"})

	path, err := l.EmergencyShutdown(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.Zero(t, l.Queue().Pending())

	buf := sink.NewBuffer()
	next := newTestLogger(t)

	n := initialize(t, next, Config{Name: "fruit", Dir: dir, Sink: buf, LoadEmergencySaves: true})
	assert.Equal(t, 2, n)

	records := buf.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "cherry", records[0]["fruit"])
	assert.NotContains(t, records[0], "terminated")
	assert.Equal(t, "plum", records[1]["fruit"])
	assert.Equal(t, true, records[1]["terminated"])

	// A second recovery finds nothing, so nothing is delivered twice.
	again := newTestLogger(t)
	n = initialize(t, again, Config{Name: "fruit", Dir: dir, Sink: buf, LoadEmergencySaves: true})
	assert.Zero(t, n)
	assert.Len(t, buf.Records(), 2)
}

func TestLogger_Shutdown(t *testing.T) {
	dir := t.TempDir()
	buf := sink.NewBuffer()

	l := newTestLogger(t)
	initialize(t, l, Config{Name: "fruit", BatchWindow: time.Hour, Dir: dir, Sink: buf})

	ctx, _ := l.Begin(context.Background(), map[string]any{"fruit": "lime"})
	Finish(ctx, nil)

	require.NoError(t, l.Shutdown(context.Background()))
	assert.False(t, l.Queue().Running())
	require.Len(t, buf.Records(), 1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogger_InitializeInvalidName(t *testing.T) {
	l := newTestLogger(t)
	q := l.Queue()

	_, err := l.Initialize(context.Background(), Config{Name: "../escape"})
	require.Error(t, err)
	assert.Same(t, q, l.Queue())
}
