package record

import "encoding/json"

// NormalizeNumbers replaces json.Number values, including nested ones, with
// int64 when integral and float64 otherwise, so attributes decoded with
// UseNumber carry the same types a live record does.
func NormalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}

		if f, err := x.Float64(); err == nil {
			return f
		}

		return x.String()
	case map[string]any:
		for k, inner := range x {
			x[k] = NormalizeNumbers(inner)
		}

		return x
	case []any:
		for i, inner := range x {
			x[i] = NormalizeNumbers(inner)
		}

		return x
	default:
		return v
	}
}
