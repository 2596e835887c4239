package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/export"
	httpexport "github.com/ethpandaops/requestlog/internal/export/http"
	"github.com/ethpandaops/requestlog/internal/record"
)

// RecordsPath is where the ingest API accepts records.
const RecordsPath = "/v1/records"

var errNotObject = errors.New("records must be JSON objects")

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// api accepts finished records from producers that cannot link the Go
// library and submits them to the queue.
type api struct {
	log       logrus.FieldLogger
	cfg       APIConfig
	submitter record.Submitter
	health    *export.HealthMetrics

	server   *http.Server
	listener net.Listener
}

func newAPI(
	log logrus.FieldLogger,
	cfg APIConfig,
	submitter record.Submitter,
	health *export.HealthMetrics,
) *api {
	return &api{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		submitter: submitter,
		health:    health,
	}
}

// Handler returns the ingest routes.
func (a *api) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RecordsPath, a.handleRecords)

	return mux
}

// Start listens on the configured address. wrap, when not nil, decorates
// the handler.
func (a *api) Start(_ context.Context, wrap func(http.Handler) http.Handler) error {
	handler := a.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr, err)
	}

	a.listener = ln
	a.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("Ingest API started")

		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Ingest API server error")
		}
	}()

	return nil
}

// Addr returns the actual listener address.
func (a *api) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}

	return a.cfg.Addr
}

// Stop waits for in-flight requests so their records reach the queue.
func (a *api) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}

	return a.server.Shutdown(ctx)
}

func (a *api) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, status, err := a.decode(r)
	if err != nil {
		a.respond(w, status, ingestResponse{Error: err.Error()})

		return
	}

	for _, rec := range records {
		a.submitter.Submit(rec)
	}

	a.log.WithField("records", len(records)).Debug("Ingested records")

	a.respond(w, http.StatusAccepted, ingestResponse{Accepted: len(records)})
}

func (a *api) decode(r *http.Request) ([]map[string]any, int, error) {
	codec, err := httpexport.CodecForContentEncoding(r.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, http.StatusUnsupportedMediaType, err
	}
	defer codec.Close()

	raw, err := io.ReadAll(io.LimitReader(r.Body, a.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("reading body: %w", err)
	}

	if int64(len(raw)) > a.cfg.MaxBodyBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
	}

	body, err := codec.Decode(raw)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err)
	}

	if int64(len(body)) > a.cfg.MaxBodyBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("decoded body too large")
	}

	records, err := parseRecords(body)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	return records, http.StatusAccepted, nil
}

// parseRecords accepts a JSON array of objects, a single object or
// newline-delimited objects. Nothing is returned unless every value parses.
func parseRecords(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var records []map[string]any

	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("parsing records: %w", err)
		}

		switch x := v.(type) {
		case map[string]any:
			records = append(records, x)
		case []any:
			for _, item := range x {
				obj, ok := item.(map[string]any)
				if !ok {
					return nil, errNotObject
				}

				records = append(records, obj)
			}
		default:
			return nil, errNotObject
		}
	}

	for i, rec := range records {
		records[i], _ = record.NormalizeNumbers(rec).(map[string]any)
	}

	return records, nil
}

func (a *api) respond(w http.ResponseWriter, status int, body ingestResponse) {
	if a.health != nil {
		a.health.IngestRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.WithError(err).Debug("Failed to write ingest response")
	}
}
