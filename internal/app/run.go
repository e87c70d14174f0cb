package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// background runs the worker and cluster heartbeat until ctx ends.
func (a *App) background(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.logger.Info("worker started")
		return a.worker.Run(ctx, a.bus)
	})
	if a.heartbeat != nil {
		g.Go(func() error {
			a.heartbeat(ctx)
			return nil
		})
	}
}

// Serve runs the node and HTTP API until ctx ends, launching the given
// pipelines once the node is up.
func (a *App) Serve(ctx context.Context, launch []string) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.serveOn(ctx, ln, launch)
}

func (a *App) serveOn(ctx context.Context, ln net.Listener, launch []string) error {
	g, gctx := errgroup.WithContext(ctx)
	a.background(gctx, g)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	for _, id := range launch {
		if err := a.runner.Launch(id); err != nil {
			a.logger.Error("launch pipeline failed", zap.String("pipeline_id", id), zap.Error(err))
		}
	}

	err := g.Wait()
	a.runner.Wait()
	a.logger.Info("shutdown complete")
	return err
}

// RunOnce executes one pipeline on the grid and returns its success flag.
func (a *App) RunOnce(ctx context.Context, pipelineID string) (bool, error) {
	bgCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)
	a.background(gctx, g)

	ok, runErr := a.runner.Run(ctx, pipelineID)
	cancel()
	if err := g.Wait(); err != nil {
		a.logger.Warn("background services stopped with error", zap.Error(err))
	}
	return ok, runErr
}

// Stop broadcasts a stop request for one pipeline, or for all when
// pipelineID is nil.
func (a *App) Stop(ctx context.Context, pipelineID *string) error {
	return a.coordinator.StopPipeline(ctx, pipelineID)
}

// Status reports the persisted active stage of a pipeline; -1 means not
// running or completed.
func (a *App) Status(ctx context.Context, pipelineID string) (int, string, error) {
	index, err := a.coordinator.ActiveStageIndex(ctx, pipelineID)
	if err != nil {
		return index, "", err
	}
	name, err := a.coordinator.ActiveStageName(ctx, pipelineID)
	if err != nil {
		return index, "", err
	}
	return index, name, nil
}
