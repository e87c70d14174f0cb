package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// monitor checks for a stop request on every tick until ctx ends. The first
// check runs immediately.
func (c *Coordinator) monitor(ctx context.Context, ex *execution, logger *zap.Logger) {
	ticker := time.NewTicker(c.cfg.StopMonitorInterval)
	defer ticker.Stop()
	for {
		c.checkStop(ctx, ex, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkStop flips the execution's stop flag once the local worker reports a
// stop request, then broadcasts a stop for the active task. A failed
// broadcast is recorded on the execution and retried on the next tick.
func (c *Coordinator) checkStop(ctx context.Context, ex *execution, logger *zap.Logger) {
	if !ex.stopped() {
		if !c.deps.Worker.IsPipelineStopRequested(ex.pipeline.ID) {
			return
		}
		ex.stopRequested.Store(true)
		logger.Info("pipeline stop requested")
	}
	if !ex.stopPending() {
		return
	}
	stage, taskID := ex.active()
	if taskID == "" {
		// No stage activated yet; retry once the loop positions itself.
		return
	}
	if err := c.deps.Dispatcher.StopTaskOnNodes(ctx, taskID); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("could not dispatch stop request for active task",
			zap.String("stage", stage),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		ex.recordMonitorErr(err)
		return
	}
	logger.Info("stop dispatched for active task", zap.String("stage", stage), zap.String("task_id", taskID))
	ex.stopDelivered()
}

// observeStop consumes a stop request between stages. Nothing is running, so
// the flag is set without a stop-task broadcast.
func (c *Coordinator) observeStop(ex *execution, logger *zap.Logger) {
	if ex.stopped() || !c.deps.Worker.IsPipelineStopRequested(ex.pipeline.ID) {
		return
	}
	ex.markStopped()
	logger.Info("pipeline stop requested between stages")
}
