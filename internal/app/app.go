// Package app initializes and holds the long-lived services of one grid node,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/api"
	"github.com/JakeFAU/crawlgrid/internal/bus"
	"github.com/JakeFAU/crawlgrid/internal/clock/system"
	"github.com/JakeFAU/crawlgrid/internal/compute"
	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawlgrid/internal/fetcher/colly"
	"github.com/JakeFAU/crawlgrid/internal/hash/sha256"
	"github.com/JakeFAU/crawlgrid/internal/id/uuid"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
	"github.com/JakeFAU/crawlgrid/internal/pipeline"
	"github.com/JakeFAU/crawlgrid/internal/policy/blocklist"
	"github.com/JakeFAU/crawlgrid/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlgrid/internal/policy/retry"
	"github.com/JakeFAU/crawlgrid/internal/progress"
	"github.com/JakeFAU/crawlgrid/internal/progress/sinks"
	"github.com/JakeFAU/crawlgrid/internal/store"
	"github.com/JakeFAU/crawlgrid/internal/tasks"
	"github.com/JakeFAU/crawlgrid/internal/telemetry"
	"github.com/JakeFAU/crawlgrid/internal/worker"
)

// App holds all the shared, long-lived services for one node.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	coordinator *pipeline.Coordinator
	runner      *pipeline.Runner
	runs        store.RunRepository
	registry    *prometheus.Registry
	handler     http.Handler

	bus       bus.Bus
	worker    *worker.Worker
	hub       *progress.Hub
	heartbeat func(context.Context)

	rdb  *redis.Client
	pool *pgxpool.Pool
	gcs  *gcsstorage.Client

	ready   []func(context.Context) error
	closers []func(context.Context) error
}

// New builds every provider selected by cfg. ctx bounds pipelines launched
// in the background. Partially built services are closed on error.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger.With(zap.String("node_id", cfg.Node.ID))}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.logger.Info("initializing node services")

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		NodeID:      cfg.Node.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.onClose(shutdownTracing)

	members, err := a.newCluster()
	if err != nil {
		return nil, err
	}
	if a.bus, err = a.newBus(ctx); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.bus.Close() })
	stages, err := a.newStageStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.runs, err = a.newRunStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.newBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.newHub(ctx); err != nil {
		return nil, err
	}

	ids := uuid.New()
	disp := dispatcher.New(a.bus, cfg.Node.ID, a.logger)
	a.worker = worker.New(cfg.Node.ID, disp, a.logger)
	comp := compute.New(a.worker, disp, members, ids, compute.Config{
		MemberCheckInterval: cfg.Grid.MemberCheckInterval,
	}, a.logger)

	a.coordinator, err = pipeline.NewCoordinator(pipeline.Dependencies{
		Elector:    members,
		Store:      stages,
		Compute:    comp,
		Dispatcher: disp,
		Worker:     a.worker,
		Events:     a.hub,
		IDs:        ids,
		Clock:      system.New(),
	}, pipeline.Config{
		PollInterval:        cfg.Grid.PollInterval,
		StopMonitorInterval: cfg.Grid.StopMonitorInterval,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	fetchMetrics, err := metrics.NewFetch(a.registry)
	if err != nil {
		return nil, err
	}
	pipelines, err := tasks.BuildAll(cfg.Pipelines, tasks.Env{
		Logger: a.logger,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.Timeout,
		}),
		Hasher: sha256.New(),
		Blobs:  blobs,
		Limiter: ratelimit.New(ratelimit.Config{
			PerHostRPS: cfg.Fetch.RatePerHost,
			Burst:      cfg.Fetch.Burst,
			Observer:   fetchMetrics.ObserveDelay,
		}),
		Retry:     retry.New(retry.Config{MaxAttempts: cfg.Fetch.MaxAttempts}),
		Blocklist: blocklist.New(cfg.Fetch.BlockedHosts),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipelines: %w", err)
	}
	a.runner = pipeline.NewRunner(ctx, a.coordinator, pipelines, a.logger)

	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return nil, err
	}
	a.handler = api.NewServer(api.Deps{
		Coordinator: a.coordinator,
		Runner:      a.runner,
		Runs:        a.runs,
		Metrics:     httpMetrics,
		Gatherer:    a.registry,
		Ready:       a.Ready,
	}, cfg.Server, a.logger.Named("api")).Handler()

	a.logger.Info("node services initialized", zap.Strings("pipelines", a.runner.Pipelines()))
	return a, nil
}

func (a *App) newHub(ctx context.Context) error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("failed to initialize progress metrics: %w", err)
	}
	hubSinks := []progress.Sink{promSink, sinks.NewStoreSink(a.runs, a.logger)}
	if a.cfg.Progress.LogEvents {
		hubSinks = append(hubSinks, sinks.NewLogSink(a.logger.Named("progress")))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger,
	}, hubSinks...)
	a.onClose(a.hub.Close)
	return nil
}

// Coordinator exposes the pipeline coordinator.
func (a *App) Coordinator() *pipeline.Coordinator {
	return a.coordinator
}

// Runner exposes the configured pipelines.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

// Runs exposes the run history repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Ready checks every downstream connection.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, check := range a.ready {
		if err := check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close shuts services down in reverse construction order.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down node services")
	for _, fn := range slices.Backward(a.closers) {
		if err := fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
