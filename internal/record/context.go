package record

import "context"

type contextKey struct{}

// NewContext returns a copy of ctx carrying r as the current record.
func NewContext(ctx context.Context, r Recorder) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the current record of ctx, or Null when there is none.
func FromContext(ctx context.Context) Recorder {
	if ctx == nil {
		return Null{}
	}

	if r, ok := ctx.Value(contextKey{}).(Recorder); ok && r != nil {
		return r
	}

	return Null{}
}
