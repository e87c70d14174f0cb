// Package worker is the local node's executor: it runs stage tasks dispatched
// over the bus, honors stop instructions, and records the pipeline-level
// done/stop signals the coordinator and waiting nodes poll.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/bus"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Reporter publishes a node's terminal state for a dispatched task.
type Reporter interface {
	ReportTaskResult(ctx context.Context, pipelineID, stage, taskID, dispatchID string, result grid.TaskResult) error
}

type execution struct {
	pipelineID string
	task       grid.Task
	cancel     context.CancelFunc
	stopped    atomic.Bool
}

func (e *execution) stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.task.Stop()
	e.cancel()
}

// Worker tracks pipelines registered on this node and the tasks it runs.
type Worker struct {
	nodeID   string
	reporter Reporter
	logger   *zap.Logger

	mu        sync.Mutex
	base      context.Context
	pipelines map[string]*grid.Pipeline
	done      map[string]bool
	stops     map[string]struct{}
	running   map[string]map[*execution]struct{}
	waiters   map[string]chan bus.Message

	wg sync.WaitGroup
}

// New constructs a Worker.
func New(nodeID string, reporter Reporter, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		nodeID:    nodeID,
		reporter:  reporter,
		logger:    logger.Named("worker").With(zap.String("node_id", nodeID)),
		base:      context.Background(),
		pipelines: make(map[string]*grid.Pipeline),
		done:      make(map[string]bool),
		stops:     make(map[string]struct{}),
		running:   make(map[string]map[*execution]struct{}),
		waiters:   make(map[string]chan bus.Message),
	}
}

// NodeID returns the id this worker reports results under.
func (w *Worker) NodeID() string {
	return w.nodeID
}

// Run consumes the bus until ctx ends, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context, b bus.Bus) error {
	w.mu.Lock()
	w.base = ctx
	w.mu.Unlock()

	err := b.Subscribe(ctx, w.Handle)
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("subscribe bus: %w", err)
	}
	return nil
}

// Register makes a pipeline's stages runnable on this node and starts
// recording its signals. Stale signals from a previous registration are
// cleared.
func (w *Worker) Register(p *grid.Pipeline) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pipelines[p.ID] = p
	delete(w.done, p.ID)
	delete(w.stops, p.ID)
}

// Unregister forgets a pipeline and its signals.
func (w *Worker) Unregister(pipelineID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pipelines, pipelineID)
	delete(w.done, pipelineID)
	delete(w.stops, pipelineID)
}

// Registered reports whether the pipeline is registered here.
func (w *Worker) Registered(pipelineID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pipelines[pipelineID]
	return ok
}

// IsPipelineDone consumes a completion signal, returning whether one was
// pending and the success flag it carried.
func (w *Worker) IsPipelineDone(pipelineID string) (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	success, ok := w.done[pipelineID]
	if ok {
		delete(w.done, pipelineID)
	}
	return ok, success
}

// IsPipelineStopRequested consumes a pending stop request.
func (w *Worker) IsPipelineStopRequested(pipelineID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.stops[pipelineID]
	if ok {
		delete(w.stops, pipelineID)
	}
	return ok
}

// RunLocal executes a stage's task on this node and returns its terminal
// state. Panics become failed results.
func (w *Worker) RunLocal(ctx context.Context, pipelineID string, stage grid.Stage) (result grid.TaskResult) {
	if stage.Task == nil {
		return grid.TaskResult{State: grid.TaskFailed, Err: fmt.Errorf("stage %s has no task", stage.Name)}
	}
	runCtx, cancel := context.WithCancel(ctx)
	ex := &execution{pipelineID: pipelineID, task: stage.Task, cancel: cancel}
	taskID := stage.Task.ID()
	w.track(taskID, ex)
	defer func() {
		w.untrack(taskID, ex)
		cancel()
		if r := recover(); r != nil {
			w.logger.Error("task panicked",
				zap.String("pipeline_id", pipelineID),
				zap.String("stage", stage.Name),
				zap.String("task_id", taskID),
				zap.Any("panic", r),
			)
			result = grid.TaskResult{State: grid.TaskFailed, Err: fmt.Errorf("task %s panicked: %v", taskID, r)}
		}
	}()

	w.logger.Debug("task started",
		zap.String("pipeline_id", pipelineID),
		zap.String("stage", stage.Name),
		zap.String("task_id", taskID),
	)
	err := stage.Task.Execute(runCtx)
	switch {
	case err == nil:
		return grid.TaskResult{State: grid.TaskCompleted}
	case ex.stopped.Load():
		return grid.TaskResult{State: grid.TaskStopped, Err: err}
	default:
		return grid.TaskResult{State: grid.TaskFailed, Err: err}
	}
}

// StopTask stops every local execution of the task and returns how many were
// signalled.
func (w *Worker) StopTask(taskID string) int {
	w.mu.Lock()
	targets := make([]*execution, 0, len(w.running[taskID]))
	for ex := range w.running[taskID] {
		targets = append(targets, ex)
	}
	w.mu.Unlock()

	for _, ex := range targets {
		ex.stop()
	}
	return len(targets)
}

func (w *Worker) stopPipelineTasks(msg bus.Message) {
	w.mu.Lock()
	var targets []*execution
	for _, set := range w.running {
		for ex := range set {
			if msg.Matches(ex.pipelineID) {
				targets = append(targets, ex)
			}
		}
	}
	w.mu.Unlock()
	for _, ex := range targets {
		ex.stop()
	}
}

// Expect registers interest in task_result messages for a dispatch. The
// returned func must be called once results are no longer needed.
func (w *Worker) Expect(dispatchID string, capacity int) (<-chan bus.Message, func()) {
	if capacity < 1 {
		capacity = 1
	}
	ch := make(chan bus.Message, capacity)
	w.mu.Lock()
	w.waiters[dispatchID] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.waiters, dispatchID)
		w.mu.Unlock()
	}
}

// Handle is the bus handler for this node.
func (w *Worker) Handle(_ context.Context, msg bus.Message) {
	switch msg.Kind {
	case bus.KindStartTask:
		w.startTask(msg)
	case bus.KindStopTask:
		if n := w.StopTask(msg.TaskID); n > 0 {
			w.logger.Info("stopped task", zap.String("task_id", msg.TaskID), zap.Int("executions", n))
		}
	case bus.KindStopPipeline:
		w.recordStop(msg)
		w.stopPipelineTasks(msg)
	case bus.KindPipelineDone:
		w.recordDone(msg)
	case bus.KindTaskResult:
		w.deliverResult(msg)
	default:
		w.logger.Warn("unknown message kind", zap.String("kind", string(msg.Kind)))
	}
}

func (w *Worker) recordStop(msg bus.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.pipelines {
		if msg.Matches(id) {
			w.stops[id] = struct{}{}
		}
	}
}

func (w *Worker) recordDone(msg bus.Message) {
	if msg.PipelineID == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pipelines[*msg.PipelineID]; ok {
		w.done[*msg.PipelineID] = msg.Success
	}
}

func (w *Worker) deliverResult(msg bus.Message) {
	w.mu.Lock()
	ch, ok := w.waiters[msg.DispatchID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		w.logger.Warn("dropping surplus task result",
			zap.String("dispatch_id", msg.DispatchID),
			zap.String("from_node", msg.NodeID),
		)
	}
}

// startTask runs a dispatched stage in the background and reports its result.
// A task this node cannot run is answered with a failed result so the
// dispatching coordinator never waits on it.
func (w *Worker) startTask(msg bus.Message) {
	if msg.PipelineID == nil {
		return
	}
	pipelineID := *msg.PipelineID
	w.mu.Lock()
	p, ok := w.pipelines[pipelineID]
	base := w.base
	w.mu.Unlock()
	if !ok {
		w.logger.Warn("rejecting task for unregistered pipeline",
			zap.String("pipeline_id", pipelineID),
			zap.String("stage", msg.Stage),
		)
		w.reject(base, msg, fmt.Errorf("pipeline %s is not registered on node %s", pipelineID, w.nodeID))
		return
	}
	stage, ok := p.Stage(msg.Stage)
	if !ok {
		w.logger.Warn("rejecting unknown stage",
			zap.String("pipeline_id", pipelineID),
			zap.String("stage", msg.Stage),
		)
		w.reject(base, msg, fmt.Errorf("pipeline %s has no stage %s", pipelineID, msg.Stage))
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		result := w.RunLocal(base, pipelineID, stage)
		w.report(base, pipelineID, stage.Name, stage.TaskID(), msg.DispatchID, result)
	}()
}

func (w *Worker) reject(ctx context.Context, msg bus.Message, err error) {
	result := grid.TaskResult{State: grid.TaskFailed, Err: err}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.report(ctx, *msg.PipelineID, msg.Stage, msg.TaskID, msg.DispatchID, result)
	}()
}

func (w *Worker) report(ctx context.Context, pipelineID, stage, taskID, dispatchID string, result grid.TaskResult) {
	if w.reporter == nil {
		return
	}
	if err := w.reporter.ReportTaskResult(ctx, pipelineID, stage, taskID, dispatchID, result); err != nil {
		w.logger.Error("report task result failed",
			zap.String("pipeline_id", pipelineID),
			zap.String("stage", stage),
			zap.String("task_id", taskID),
			zap.String("dispatch_id", dispatchID),
			zap.Error(err),
		)
	}
}

func (w *Worker) track(taskID string, ex *execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.running[taskID]
	if !ok {
		set = make(map[*execution]struct{})
		w.running[taskID] = set
	}
	set[ex] = struct{}{}
}

func (w *Worker) untrack(taskID string, ex *execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running[taskID], ex)
	if len(w.running[taskID]) == 0 {
		delete(w.running, taskID)
	}
}
