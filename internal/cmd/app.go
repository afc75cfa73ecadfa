package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hpcgrid/sessionbroker/internal/broker"
	"github.com/hpcgrid/sessionbroker/internal/config"
	"github.com/hpcgrid/sessionbroker/internal/launcher"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/registry"
	"github.com/hpcgrid/sessionbroker/internal/resource"
	"github.com/hpcgrid/sessionbroker/internal/scheduler"
	"github.com/hpcgrid/sessionbroker/internal/session/persist"
	"github.com/hpcgrid/sessionbroker/internal/telemetry"
)

// shutdownTimeout bounds flushing spans and stopping the metrics server.
const shutdownTimeout = 5 * time.Second

// app is everything a session command needs, built from one Config.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *persist.Store
	launcher *launcher.Launcher

	metricsServer *http.Server
	shutdownTrace func(context.Context) error
}

// newApp wires the registry, provider, scheduler and broker factories.
// The caller must call close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		l, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
	}

	a := &app{cfg: cfg, logger: logger}
	liveLogger.Store(logger)

	shutdown, err := telemetry.SetupTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.shutdownTrace = shutdown

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		a.serveMetrics(reg)
	}

	store, err := persist.NewOsStore(cfg.Persist.ResolveDir(), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	reg := registry.New(registry.WithLogger(logger), registry.WithMetrics(metrics))
	provider := resource.NewLocalProvider(reg, logger)
	sched := scheduler.NewMemoryAdapter(scheduler.WithLogger(logger))
	newAdapter := broker.NewInProcAdapterFunc(broker.WithIdleTimeout(cfg.Broker.IdleTimeout))

	a.launcher = launcher.New(reg, provider, sched, newAdapter, cfg.Broker.HeadNode,
		launcher.WithStore(store),
		launcher.WithLogger(logger),
		launcher.WithMetrics(metrics),
	)
	return a, nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "listen", a.cfg.Metrics.Listen, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "listen", a.cfg.Metrics.Listen)
}

// close waits for in-flight session flows, stops the metrics server,
// flushes traces and closes the log file.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.launcher != nil {
		if err := a.launcher.Drain(ctx); err != nil {
			a.logger.Warn("session flows still running at exit", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if a.shutdownTrace != nil {
		if err := a.shutdownTrace(ctx); err != nil {
			a.logger.Warn("trace flush failed", "error", err)
		}
	}
	liveLogger.CompareAndSwap(a.logger, nil)
	_ = a.logger.Close()
}

// loadConfig reads the configuration and applies flag overrides shared by
// the session commands.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	return cfg, nil
}
