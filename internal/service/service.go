// Package service runs requestlog as a standalone process: health server,
// configured sinks, the batching queue and the ingest API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/export"
	"github.com/ethpandaops/requestlog/internal/queue"
	"github.com/ethpandaops/requestlog/internal/requestlog"
	"github.com/ethpandaops/requestlog/internal/sink"
)

// Service is the top-level orchestrator of a requestlog process.
type Service interface {
	// Start brings up every component and recovers emergency dumps.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully. Undelivered records are
	// saved to disk.
	Stop() error
	// Logger returns the logger records are submitted through.
	Logger() *requestlog.Logger
	// APIAddr returns the ingest API listener address.
	APIAddr() string
}

type service struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	sink   sink.Sink
	logger *requestlog.Logger
	api    *api
}

// New creates a new Service.
func New(log logrus.FieldLogger, cfg *Config) (Service, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	s, err := sink.Build(log, cfg.Sinks, health)
	if err != nil {
		return nil, fmt.Errorf("building sinks: %w", err)
	}

	logger, err := requestlog.New(log, requestlog.WithHealth(health))
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	svc := &service{
		log:    log.WithField("component", "service"),
		cfg:    cfg,
		health: health,
		sink:   s,
		logger: logger,
	}

	if cfg.API.Enabled {
		svc.api = newAPI(log, cfg.API, logger, health)
	}

	return svc, nil
}

func (s *service) Start(ctx context.Context) error {
	// 1. Health metrics server.
	if err := s.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Sinks, so recovered records have somewhere to go.
	if err := sink.Start(ctx, s.sink); err != nil {
		return fmt.Errorf("starting sink %s: %w", s.sink.Name(), err)
	}

	s.log.WithField("sink", s.sink.Name()).Info("Sink started")

	// 3. Queue, recovering dumps left by earlier processes.
	n, err := s.logger.Initialize(ctx, requestlog.Config{
		Name:               s.cfg.Queue.Name,
		BatchWindow:        s.cfg.Queue.BatchWindow,
		Dir:                s.cfg.Queue.Dir,
		Sink:               s.sink,
		LoadEmergencySaves: s.cfg.Queue.LoadEmergencySaves,
	})
	if err != nil {
		if !errors.Is(err, requestlog.ErrPartialRecovery) {
			return fmt.Errorf("initializing queue: %w", err)
		}

		s.log.WithError(err).Warn("Abandoned unreadable emergency saves")
	}

	s.log.WithFields(logrus.Fields{
		"queue":     s.cfg.Queue.Name,
		"window":    s.cfg.Queue.BatchWindow,
		"recovered": n,
	}).Info("Queue started")

	// 4. Ingest API.
	if s.api != nil {
		var wrap func(http.Handler) http.Handler
		if s.cfg.API.RecordRequests {
			wrap = s.logger.Middleware
		}

		if err := s.api.Start(ctx, wrap); err != nil {
			return fmt.Errorf("starting ingest api: %w", err)
		}
	}

	return nil
}

func (s *service) Stop() error {
	var result *multierror.Error

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if s.api != nil {
		if err := s.api.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping ingest api: %w", err))
		}
	}

	// Final flush; whatever the sink refuses goes to disk.
	if err := s.logger.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutting down queue: %w", err))
	}

	if err := sink.Stop(s.sink); err != nil {
		result = multierror.Append(result, fmt.Errorf("stopping sink %s: %w", s.sink.Name(), err))
	}

	if err := s.health.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stopping health metrics: %w", err))
	}

	return result.ErrorOrNil()
}

func (s *service) Logger() *requestlog.Logger {
	return s.logger
}

func (s *service) APIAddr() string {
	if s.api == nil {
		return ""
	}

	return s.api.Addr()
}

// Recover claims the dump files of the configured queue, delivers their
// records once through the configured sinks and saves back whatever could
// not be delivered. It returns the number of records recovered.
func Recover(ctx context.Context, log logrus.FieldLogger, cfg *Config) (int, error) {
	s, err := sink.Build(log, cfg.Sinks, nil)
	if err != nil {
		return 0, fmt.Errorf("building sinks: %w", err)
	}

	if err := sink.Start(ctx, s); err != nil {
		return 0, fmt.Errorf("starting sink %s: %w", s.Name(), err)
	}

	defer func() {
		if err := sink.Stop(s); err != nil {
			log.WithError(err).Warn("Failed to stop sink")
		}
	}()

	q, err := queue.New(log, cfg.QueueSettings(), s)
	if err != nil {
		return 0, fmt.Errorf("creating queue: %w", err)
	}

	var result *multierror.Error

	n, err := q.LoadEmergencySaves()
	if err != nil {
		result = multierror.Append(result, err)
	}

	if n == 0 {
		return 0, result.ErrorOrNil()
	}

	if err := q.Flush(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("delivering recovered records: %w", err))

		if _, serr := q.EmergencySave(); serr != nil {
			result = multierror.Append(result, fmt.Errorf("saving undelivered records: %w", serr))
		}
	}

	return n, result.ErrorOrNil()
}
