package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "requestlog"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for queue and sink health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Queue
	RecordsSubmitted prometheus.Counter
	RecordsDelivered *prometheus.CounterVec // sink
	DeliveryFailures *prometheus.CounterVec // sink
	PendingRecords   prometheus.Gauge
	PendingBuckets   prometheus.Gauge
	FlushDuration    prometheus.Histogram
	BucketSize       prometheus.Histogram

	// Emergency persistence
	EmergencySaves      prometheus.Counter
	EmergencyRecords    prometheus.Counter
	RecoveredFiles      prometheus.Counter
	RecoveredRecords    prometheus.Counter
	RecoveryClaimMisses prometheus.Counter
	RecoveryParseErrors prometheus.Counter

	// Sinks
	ClickHouseConnected   *prometheus.GaugeVec     // sink
	SinkDeliveryDuration  *prometheus.HistogramVec // sink
	ClickHouseBatchErrors prometheus.Counter

	// Ingest API
	IngestRequests *prometheus.CounterVec // status

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		RecordsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_submitted_total",
			Help:      "Total finished records submitted to the queue.",
		}),
		RecordsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_delivered_total",
				Help:      "Total records accepted by a sink.",
			},
			[]string{"sink"},
		),
		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_failures_total",
				Help:      "Total bucket deliveries rejected by a sink.",
			},
			[]string{"sink"},
		),
		PendingRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records buffered in the queue awaiting delivery.",
		}),
		PendingBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_buckets",
			Help:      "Time buckets buffered in the queue awaiting delivery.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time to deliver all eligible buckets in one flush.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		BucketSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bucket_size",
			Help:      "Number of records per delivered bucket.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),

		EmergencySaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_saves_total",
			Help:      "Total emergency dump files written.",
		}),
		EmergencyRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_records_total",
			Help:      "Total records written to emergency dump files.",
		}),
		RecoveredFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_files_total",
			Help:      "Total emergency dump files claimed and loaded.",
		}),
		RecoveredRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_records_total",
			Help:      "Total records loaded from emergency dump files.",
		}),
		RecoveryClaimMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_claim_misses_total",
			Help:      "Dump files that another process claimed first.",
		}),
		RecoveryParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_parse_errors_total",
			Help:      "Dump files abandoned because they could not be parsed.",
		}),

		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clickhouse_connected",
				Help:      "Whether ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		SinkDeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_delivery_duration_seconds",
				Help:      "Time for a sink to accept one bucket.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"sink"},
		),
		ClickHouseBatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clickhouse_batch_errors_total",
			Help:      "Total ClickHouse batch inserts that failed.",
		}),

		IngestRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_requests_total",
				Help:      "Total ingest API requests by HTTP status.",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		h.RecordsSubmitted,
		h.RecordsDelivered,
		h.DeliveryFailures,
		h.PendingRecords,
		h.PendingBuckets,
		h.FlushDuration,
		h.BucketSize,
	)

	reg.MustRegister(
		h.EmergencySaves,
		h.EmergencyRecords,
		h.RecoveredFiles,
		h.RecoveredRecords,
		h.RecoveryClaimMisses,
		h.RecoveryParseErrors,
	)

	reg.MustRegister(
		h.ClickHouseConnected,
		h.SinkDeliveryDuration,
		h.ClickHouseBatchErrors,
		h.IngestRequests,
	)

	return h
}

// Registry returns the private registry the metrics are registered on.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address, which differs from the
// configured one when started with ":0".
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
