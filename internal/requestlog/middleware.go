package requestlog

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in and out of the middleware.
const RequestIDHeader = "X-Request-ID"

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}

	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}

	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)

	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records one record per request. Handlers reach the record
// through the request context. A panic is recorded as the request's error
// and then re-raised.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx, rec := l.Begin(r.Context(), map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"request_id":  id,
		})

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			p := recover()
			if p != nil {
				err, ok := p.(error)
				if !ok {
					err = &PanicError{Value: p}
				}

				rec.RecordError(err)
				sw.status = http.StatusInternalServerError
			}

			rec.Set(map[string]any{
				"status_code":    sw.status,
				"response_bytes": sw.bytes,
			})
			rec.Finish()

			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}
