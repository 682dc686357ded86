package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jkbrsn/vitals"
	"github.com/jkbrsn/vitals/pkg/analytics"
	"github.com/jkbrsn/vitals/pkg/config"
	"github.com/jkbrsn/vitals/pkg/metrics"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ServeCmd runs the beacon ingest service.
type ServeCmd struct {
	Listen string `help:"Address to listen on, overrides the configuration." env:"VITALS_LISTEN_ADDR"`
}

// Run starts the service and blocks until it is interrupted.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.ListenAddr = c.Listen
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start service")
		return err
	}
	return svc.run(ctx)
}

// closer is a transport that must be closed on shutdown.
type closer interface {
	Close() error
}

// service wires configuration into the pipeline, transports and HTTP server.
type service struct {
	cfg        *config.Config
	logger     zerolog.Logger
	registry   *prom.Registry
	pipeline   *vitals.Pipeline
	tracker    *vitals.DomainTracker
	transports []closer
	httpServer *http.Server
}

func newService(cfg *config.Config, logger zerolog.Logger) (*service, error) {
	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	svc := &service{cfg: cfg, logger: logger, registry: registry}
	capability, err := svc.buildAnalytics()
	if err != nil {
		_ = svc.closeTransports()
		return nil, err
	}

	sink := vitals.NewSink(
		vitals.WithAnalytics(capability),
		vitals.WithDevelopment(cfg.Development()),
		vitals.WithSinkLogger(logger.With().Str("component", "sink").Logger()),
		vitals.WithObserver(recorder),
	)
	tracker, err := vitals.NewDomainTracker(cfg.Analytics.MeasurementID,
		vitals.WithCanonicalHost(cfg.Domains.Canonical),
		vitals.WithAlternateHosts(cfg.Domains.Alternates...),
		vitals.WithTrackerAnalytics(capability),
		vitals.WithTrackerLogger(logger.With().Str("component", "domain").Logger()),
	)
	if err != nil {
		_ = svc.closeTransports()
		return nil, fmt.Errorf("domain tracker: %w", err)
	}
	svc.tracker = tracker
	svc.pipeline = vitals.NewPipeline(sink,
		vitals.WithBufferSize(cfg.Pipeline.BufferSize),
		vitals.WithDedupeCapacity(cfg.Pipeline.DedupeCapacity),
		vitals.WithLogger(logger.With().Str("component", "pipeline").Logger()),
		vitals.WithEventObserver(recorder),
	)

	srv := newServer(svc.pipeline, tracker, registry, logger)
	read, ping := cfg.Server.StreamTimeouts()
	srv.timeouts = streamTimeouts{Read: read, Ping: ping}
	svc.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return svc, nil
}

// buildAnalytics creates the configured transports. It returns nil when none is configured, so
// that the sink falls back to development logging or dropping.
func (s *service) buildAnalytics() (vitals.Analytics, error) {
	var fanout analytics.Fanout

	if s.cfg.TransportEnabled() {
		policy, err := s.cfg.Outbound.DNS.Policy()
		if err != nil {
			return nil, fmt.Errorf("outbound dns: %w", err)
		}
		mp, err := analytics.NewMeasurementProtocol(s.cfg.Analytics.MeasurementID, s.cfg.Analytics.APISecret,
			analytics.WithEndpoint(s.cfg.Analytics.Endpoint),
			analytics.WithFlushCadence(s.cfg.Analytics.FlushCadence),
			analytics.WithMaxQueue(s.cfg.Analytics.MaxQueue),
			analytics.WithDNSPolicy(policy),
			analytics.WithTimeouts(s.cfg.Outbound.Timeouts.Timeouts()),
			analytics.WithLogger(s.logger.With().Str("component", "measurement").Logger()),
		)
		if err != nil {
			return nil, fmt.Errorf("measurement protocol: %w", err)
		}
		s.transports = append(s.transports, mp)
		fanout = append(fanout, mp)
	}

	if s.cfg.NATS.URL != "" {
		pub, err := analytics.NewNATSPublisher(s.cfg.NATS.URL, s.cfg.NATS.SubjectPrefix,
			s.logger.With().Str("component", "nats").Logger())
		if err != nil {
			return nil, err
		}
		s.transports = append(s.transports, pub)
		fanout = append(fanout, pub)
	}

	switch len(fanout) {
	case 0:
		s.logger.Warn().Bool("development", s.cfg.Development()).Msg("No analytics transport configured")
		return nil, nil
	case 1:
		return fanout[0], nil
	default:
		return fanout, nil
	}
}

// run serves until ctx is done, then shuts the server down, drains the pipeline and closes the
// transports.
func (s *service) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", s.httpServer.Addr).Str("environment", string(s.cfg.Environment)).Msg("Listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if cerr := s.pipeline.Close(); cerr != nil {
		result = multierror.Append(result, cerr)
	}
	if cerr := s.closeTransports(); cerr != nil {
		result = multierror.Append(result, cerr)
	}
	s.logger.Info().
		Interface("sink", s.pipeline.Sink().Stats()).
		Interface("pipeline", s.pipeline.Stats()).
		Msg("Service stopped")
	return result.ErrorOrNil()
}

func (s *service) closeTransports() error {
	var result *multierror.Error
	for _, t := range s.transports {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.transports = nil
	return result.ErrorOrNil()
}
