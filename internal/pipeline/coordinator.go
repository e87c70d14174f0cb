package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/progress"
)

// LocalWorker is the local node's worker as seen by the coordinator.
type LocalWorker interface {
	grid.Worker
	// Register makes the pipeline's stages runnable on this node and starts
	// recording its done/stop signals.
	Register(p *grid.Pipeline)
	Unregister(pipelineID string)
}

// Config controls coordinator timing.
type Config struct {
	// PollInterval is how often non-coordinator nodes check for the
	// completion broadcast.
	PollInterval time.Duration
	// StopMonitorInterval is how often the coordinator checks for a stop
	// request while the stage loop runs.
	StopMonitorInterval time.Duration
}

const (
	defaultPollInterval        = 250 * time.Millisecond
	defaultStopMonitorInterval = time.Second
)

// Dependencies groups the grid collaborators a Coordinator consumes.
type Dependencies struct {
	Elector    grid.Elector
	Store      grid.StageStore
	Compute    grid.Compute
	Dispatcher grid.Dispatcher
	Worker     LocalWorker
	// Events receives lifecycle events; nil discards them.
	Events progress.Emitter
	// IDs generates run ids.
	IDs   grid.IDGenerator
	Clock grid.Clock
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

const tracerName = "github.com/JakeFAU/crawlgrid/internal/pipeline"

// Coordinator runs pipelines on the grid. Every node calls Execute with the
// same pipeline; only the elected coordinator drives the stages.
type Coordinator struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// NewCoordinator validates the dependencies and builds a Coordinator.
func NewCoordinator(deps Dependencies, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case deps.Elector == nil:
		return nil, errors.New("elector is required")
	case deps.Store == nil:
		return nil, errors.New("stage store is required")
	case deps.Compute == nil:
		return nil, errors.New("compute is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Worker == nil:
		return nil, errors.New("worker is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StopMonitorInterval <= 0 {
		cfg.StopMonitorInterval = defaultStopMonitorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("pipeline").With(zap.String("node_id", deps.Elector.NodeID())),
	}, nil
}

// Execute runs p to the end of its stage list and reports whether every stage
// that ran completed without a stop request.
//
// Stage failures are reported through ok only. err is set for an invalid
// pipeline, a stage pointer that could not be read or written, a stop
// request that could not be delivered to the grid, or ctx ending while a
// non-coordinator node waits.
func (c *Coordinator) Execute(ctx context.Context, p *grid.Pipeline) (ok bool, err error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	c.deps.Worker.Register(p)
	defer c.deps.Worker.Unregister(p.ID)

	if !c.deps.Elector.IsCoordinator() {
		return c.await(ctx, p)
	}
	return c.coordinate(ctx, p, false)
}

// await blocks a non-coordinator node until the coordinator broadcasts
// completion. The node stays registered after a stop request so always stages
// dispatched to every node still run here; the stop only forces the result to
// false. A node elected coordinator while waiting takes the pipeline over from
// the persisted pointer, carrying any stop it already observed.
func (c *Coordinator) await(ctx context.Context, p *grid.Pipeline) (bool, error) {
	logger := c.logger.With(zap.String("pipeline_id", p.ID))
	logger.Debug("waiting for coordinator")

	stopped := false
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if done, success := c.deps.Worker.IsPipelineDone(p.ID); done {
			logger.Debug("pipeline done", zap.Bool("success", success), zap.Bool("stopped", stopped))
			return success && !stopped, nil
		}
		if !stopped && c.deps.Worker.IsPipelineStopRequested(p.ID) {
			logger.Info("pipeline stop requested while waiting")
			stopped = true
		}
		if c.deps.Elector.IsCoordinator() {
			logger.Info("elected coordinator while waiting; taking over pipeline")
			return c.coordinate(ctx, p, stopped)
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("wait for pipeline %s: %w", p.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// coordinate drives the stage loop. stopped carries a stop request observed
// before this node became coordinator.
func (c *Coordinator) coordinate(ctx context.Context, p *grid.Pipeline, stopped bool) (ok bool, err error) {
	runID, err := c.deps.IDs.NewID()
	if err != nil {
		return false, fmt.Errorf("generate run id: %w", err)
	}
	ex := newExecution(p, runID, c.now())
	if stopped {
		ex.markStopped()
	}
	logger := c.logger.With(zap.String("pipeline_id", p.ID), zap.String("run_id", runID))
	ctx, span := c.deps.Tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", p.ID),
		attribute.String("run.id", runID),
	))

	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &grid.Error{Op: "execute pipeline", PipelineID: p.ID, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			c.emit(ex, progress.Event{Kind: progress.PipelineError, Note: err.Error()})
		}
		// Waiting nodes must be released even when the run aborts.
		if derr := c.deps.Dispatcher.SetPipelineDoneOnNodes(context.WithoutCancel(ctx), p.ID, ok); derr != nil {
			logger.Error("failed to broadcast pipeline done", zap.Error(derr))
			err = errors.Join(err, derr)
		}
		span.SetAttributes(attribute.Bool("pipeline.success", ok), attribute.Bool("pipeline.stopped", ex.stopped()))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !ok:
			span.SetStatus(codes.Error, "pipeline did not succeed")
		}
		span.End()
	}()

	start, err := c.startIndex(ctx, p, logger)
	if err != nil {
		return false, err
	}
	ex.start = start
	c.emit(ex, progress.Event{Kind: progress.PipelineStart, StageIndex: start})

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		c.monitor(monitorCtx, ex, logger)
	}()
	haltMonitor := func() {
		stopMonitor()
		<-monitorDone
	}
	defer haltMonitor()

	for i := range p.Stages {
		c.observeStop(ex, logger)
		if err := c.runStage(ctx, ex, i, logger); err != nil {
			return false, err
		}
	}
	haltMonitor()
	c.observeStop(ex, logger)

	if merr := ex.monitorError(); merr != nil {
		return false, &grid.Error{
			Op:         "monitor stop request",
			PipelineID: p.ID,
			Err:        errors.Join(grid.ErrStopDispatch, merr),
		}
	}

	ok = ex.succeeded()
	if ok {
		if err := c.deps.Store.PutStage(ctx, p.ID, grid.CompletedPointer()); err != nil {
			return false, &grid.Error{Op: "persist completion", PipelineID: p.ID, Err: err}
		}
	}
	c.emit(ex, progress.Event{
		Kind:    progress.PipelineDone,
		Dur:     c.now().Sub(ex.started),
		Success: ok,
		Stopped: ex.stopped(),
	})
	logger.Info("pipeline finished",
		zap.Bool("success", ok),
		zap.Bool("stopped", ex.stopped()),
		zap.Int("failed_index", ex.failed),
	)
	return ok, nil
}

// runStage applies the directives to stage i and dispatches it when it is
// not skipped. Only pointer persistence errors are returned.
func (c *Coordinator) runStage(ctx context.Context, ex *execution, i int, logger *zap.Logger) error {
	stage := ex.activate(i)
	logger = logger.With(
		zap.String("stage", stage.Name),
		zap.Int("stage_index", i),
		zap.String("task_id", stage.TaskID()),
	)

	d := resolveDirectives(ctx, ex)
	if d.markActive {
		ptr := grid.StagePointer{Index: i, Stage: stage.Name}
		if err := c.deps.Store.PutStage(ctx, ex.pipeline.ID, ptr); err != nil {
			logger.Error("failed to persist active stage", zap.Error(err))
			return &grid.Error{Op: "persist active stage", PipelineID: ex.pipeline.ID, Err: err}
		}
	}
	if d.skip {
		logger.Info("skipping stage", zap.String("reason", d.reason))
		c.emit(ex, progress.Event{Kind: progress.StageSkipped, Stage: stage.Name, StageIndex: i, Note: d.reason})
		return nil
	}
	if d.reason != "" {
		logger.Info("running always stage without marking it active", zap.String("reason", d.reason))
	}

	c.emit(ex, progress.Event{Kind: progress.StageStart, Stage: stage.Name, StageIndex: i})
	stageCtx, span := c.deps.Tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.name", stage.Name),
		attribute.Int("stage.index", i),
		attribute.String("task.id", stage.TaskID()),
	))
	began := c.now()
	result := c.dispatch(stageCtx, ex.pipeline.ID, stage)
	dur := c.now().Sub(began)
	span.SetAttributes(attribute.String("task.state", string(result.State)))
	if !result.Completed() {
		span.SetStatus(codes.Error, string(result.State))
	}
	span.End()

	if !result.Completed() {
		fields := []zap.Field{zap.String("state", string(result.State)), zap.Duration("dur", dur)}
		if result.Err != nil {
			fields = append(fields, zap.Error(result.Err))
		}
		if result.State == grid.TaskStopped {
			// The task was stopped before the monitor saw the request.
			ex.markStopped()
			logger.Warn("stage stopped", fields...)
		} else {
			ex.failed = i
			logger.Error("stage failed", fields...)
		}
		evt := progress.Event{Kind: progress.StageFailed, Stage: stage.Name, StageIndex: i, Dur: dur}
		if result.Err != nil {
			evt.Note = result.Err.Error()
		} else {
			evt.Note = string(result.State)
		}
		c.emit(ex, evt)
		return nil
	}
	logger.Info("stage completed", zap.Duration("dur", dur))
	c.emit(ex, progress.Event{Kind: progress.StageDone, Stage: stage.Name, StageIndex: i, Dur: dur})
	return nil
}

// dispatch runs the stage's task on the grid; a panic in the compute layer
// counts as a failed task.
func (c *Coordinator) dispatch(ctx context.Context, pipelineID string, stage grid.Stage) (result grid.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = grid.TaskResult{State: grid.TaskFailed, Err: fmt.Errorf("dispatch panic: %v", r)}
		}
	}()
	return c.deps.Compute.ExecuteTask(ctx, pipelineID, stage)
}

// startIndex resolves the persisted pointer into the index the stage loop
// resumes from.
func (c *Coordinator) startIndex(ctx context.Context, p *grid.Pipeline, logger *zap.Logger) (int, error) {
	ptr, found, err := c.deps.Store.GetStage(ctx, p.ID)
	if err != nil {
		return 0, &grid.Error{Op: "read active stage", PipelineID: p.ID, Err: err}
	}
	switch {
	case !found:
		return 0, nil
	case ptr.Completed():
		logger.Info("restarting completed pipeline")
		return 0, nil
	}

	index := ptr.Index
	if ptr.Stage != "" {
		if named := p.IndexOf(ptr.Stage); named >= 0 {
			index = named
		} else {
			logger.Warn("persisted stage no longer in pipeline; resuming by index",
				zap.String("stage", ptr.Stage),
				zap.Int("stage_index", ptr.Index),
			)
		}
	}
	if index < 0 || index >= len(p.Stages) {
		logger.Warn("persisted stage index out of range; starting from first stage", zap.Int("stage_index", index))
		return 0, nil
	}
	if index > 0 {
		logger.Info("resuming unterminated pipeline",
			zap.String("stage", p.Stages[index].Name),
			zap.Int("stage_index", index),
		)
	}
	return index, nil
}

// ActiveStageIndex returns the persisted stage index of a pipeline, or
// grid.CompletedIndex when none is stored.
func (c *Coordinator) ActiveStageIndex(ctx context.Context, pipelineID string) (int, error) {
	ptr, found, err := c.deps.Store.GetStage(ctx, pipelineID)
	if err != nil {
		return grid.CompletedIndex, &grid.Error{Op: "read active stage", PipelineID: pipelineID, Err: err}
	}
	if !found {
		return grid.CompletedIndex, nil
	}
	return ptr.Index, nil
}

// ActiveStageName returns the persisted stage name of a pipeline, or "" when
// none is stored or the pipeline completed.
func (c *Coordinator) ActiveStageName(ctx context.Context, pipelineID string) (string, error) {
	ptr, found, err := c.deps.Store.GetStage(ctx, pipelineID)
	if err != nil {
		return "", &grid.Error{Op: "read active stage", PipelineID: pipelineID, Err: err}
	}
	if !found || ptr.Completed() {
		return "", nil
	}
	return ptr.Stage, nil
}

// StopPipeline broadcasts a stop request. A nil id stops every pipeline.
func (c *Coordinator) StopPipeline(ctx context.Context, pipelineID *string) error {
	if err := c.deps.Dispatcher.StopPipeline(ctx, pipelineID); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	return nil
}

func (c *Coordinator) emit(ex *execution, evt progress.Event) {
	evt.RunID = ex.runID
	evt.PipelineID = ex.pipeline.ID
	evt.NodeID = c.deps.Elector.NodeID()
	evt.TS = c.now()
	c.deps.Events.Emit(evt)
}

func (c *Coordinator) now() time.Time {
	return c.deps.Clock.Now().UTC()
}
