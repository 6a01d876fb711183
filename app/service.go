// Package app wires the engine together: configuration, transport, routing,
// metrics, the session registry and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openfleet/carsim/api/sessions"
	"github.com/openfleet/carsim/config"
	"github.com/openfleet/carsim/core/behavior"
	coremetrics "github.com/openfleet/carsim/core/metrics"
	"github.com/openfleet/carsim/core/session"
	"github.com/openfleet/carsim/infra/control"
	"github.com/openfleet/carsim/infra/logger"
	"github.com/openfleet/carsim/infra/metrics"
	"github.com/openfleet/carsim/infra/mqtt"
	"github.com/openfleet/carsim/infra/routing"
)

// Service orchestrates the simulation engine.
type Service struct {
	Registry *session.Registry
	Listener *control.Listener

	cfg *config.Config
	log logger.Logger
	srv *http.Server
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	transportFactory, err := mqtt.NewFactory(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("mqtt factory: %w", err)
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(nil)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.Metrics))
	}
	var sink coremetrics.Sink
	switch len(sinks) {
	case 0:
		sink = coremetrics.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = coremetrics.NewMultiSink(sinks...)
	}

	listener := control.NewListener()
	registry := session.NewRegistry(session.Deps{
		Channel:   control.NewFactory(listener, logger.New("control")),
		Transport: transportFactory,
		Searcher:  routing.NewClient(cfg.Routing),
		Cache:     behavior.NewCache(),
		Motion:    cfg.Motion,
		Metrics:   sink,
		Log:       logger.New("session"),
		TTL:       cfg.Session.TTL(),
		Sweep:     cfg.Session.Sweep(),
		Grace:     cfg.Session.Grace(),
		RetryCap:  cfg.Session.ConnectRetryCap,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/simulations", sessions.NewHandler(registry, logger.New("api")))
	mux.Handle("/api/simulations/", sessions.NewHandler(registry, logger.New("api")))
	mux.Handle("/simulation/", listener)

	return &Service{
		Registry: registry,
		Listener: listener,
		cfg:      cfg,
		log:      logg,
		srv:      &http.Server{Addr: cfg.Server.Addr, Handler: mux},
	}, nil
}

// Run starts the HTTP server, the session garbage collector and the optional
// Prometheus endpoint, then blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.Registry.Start(ctx)
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Server.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("http shutdown: %v", err)
	}
	return nil
}

// Close terminates every live session.
func (s *Service) Close() error {
	s.Registry.Shutdown()
	return nil
}
