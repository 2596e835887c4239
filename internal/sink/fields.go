package sink

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// recordTimeLayout matches the start_time/end_time attribute format.
const recordTimeLayout = "2006-01-02T15:04:05.000000Z"

func int64Field(rec map[string]any, key string) (int64, bool) {
	switch v := rec[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}

		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, true
		}
	}

	return 0, false
}

func float64Field(rec map[string]any, key string) (float64, bool) {
	switch v := rec[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}

	return 0, false
}

func stringField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func timeField(rec map[string]any, key string) (time.Time, bool) {
	s, ok := rec[key].(string)
	if !ok {
		return time.Time{}, false
	}

	t, err := time.Parse(recordTimeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}, false
		}
	}

	return t.UTC(), true
}

// nullableInt64 returns nil when key is absent or not numeric.
func nullableInt64(rec map[string]any, key string) *int64 {
	v, ok := int64Field(rec, key)
	if !ok {
		return nil
	}

	return &v
}

func nullableFloat64(rec map[string]any, key string) *float64 {
	v, ok := float64Field(rec, key)
	if !ok {
		return nil
	}

	return &v
}
