// Package compute executes stage tasks on the grid, with one branch per run
// scope: single-scope tasks run on the coordinator's local worker and
// all-scope tasks are broadcast to every live node and aggregated.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/bus"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// LocalWorker runs tasks on this node and routes task results.
type LocalWorker interface {
	RunLocal(ctx context.Context, pipelineID string, stage grid.Stage) grid.TaskResult
	Expect(dispatchID string, capacity int) (<-chan bus.Message, func())
}

// TaskDispatcher broadcasts task instructions.
type TaskDispatcher interface {
	StartTaskOnNodes(ctx context.Context, pipelineID string, stage grid.Stage, dispatchID string) error
	StopTaskOnNodes(ctx context.Context, taskID string) error
}

// Config controls all-scope aggregation.
type Config struct {
	// MemberCheckInterval is how often membership is re-read while waiting
	// for node results; nodes that disappear count as failed.
	MemberCheckInterval time.Duration
}

// Compute implements grid.Compute.
type Compute struct {
	worker     LocalWorker
	dispatcher TaskDispatcher
	members    grid.Membership
	ids        grid.IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Compute.
func New(
	worker LocalWorker,
	dispatcher TaskDispatcher,
	members grid.Membership,
	ids grid.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Compute {
	if cfg.MemberCheckInterval <= 0 {
		cfg.MemberCheckInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compute{
		worker:     worker,
		dispatcher: dispatcher,
		members:    members,
		ids:        ids,
		cfg:        cfg,
		logger:     logger.Named("compute"),
	}
}

// ExecuteTask runs the stage's task according to its scope.
func (c *Compute) ExecuteTask(ctx context.Context, pipelineID string, stage grid.Stage) grid.TaskResult {
	switch stage.Scope {
	case grid.ScopeSingle:
		return c.worker.RunLocal(ctx, pipelineID, stage)
	case grid.ScopeAll:
		return c.executeAll(ctx, pipelineID, stage)
	default:
		return failed(fmt.Errorf("unsupported run scope %s", stage.Scope))
	}
}

// StopTask asks every node to stop the task.
func (c *Compute) StopTask(ctx context.Context, taskID string) error {
	return c.dispatcher.StopTaskOnNodes(ctx, taskID)
}

func (c *Compute) executeAll(ctx context.Context, pipelineID string, stage grid.Stage) grid.TaskResult {
	members, err := c.members.Members(ctx)
	if err != nil {
		return failed(fmt.Errorf("list members: %w", err))
	}
	if len(members) == 0 {
		return failed(errors.New("no live members"))
	}
	dispatchID, err := c.ids.NewID()
	if err != nil {
		return failed(fmt.Errorf("dispatch id: %w", err))
	}

	results, release := c.worker.Expect(dispatchID, len(members))
	defer release()

	if err := c.dispatcher.StartTaskOnNodes(ctx, pipelineID, stage, dispatchID); err != nil {
		return failed(err)
	}

	logger := c.logger.With(
		zap.String("pipeline_id", pipelineID),
		zap.String("stage", stage.Name),
		zap.String("dispatch_id", dispatchID),
	)
	logger.Info("task dispatched to all nodes", zap.Strings("members", members))

	pending := make(map[string]struct{}, len(members))
	for _, m := range members {
		pending[m] = struct{}{}
	}
	agg := aggregate{}

	ticker := time.NewTicker(c.cfg.MemberCheckInterval)
	defer ticker.Stop()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			agg.fail(fmt.Errorf("awaiting %d node results: %w", len(pending), ctx.Err()))
			return agg.result()
		case msg := <-results:
			if _, ok := pending[msg.NodeID]; !ok {
				continue
			}
			delete(pending, msg.NodeID)
			agg.add(msg)
			if msg.State != string(grid.TaskCompleted) {
				logger.Warn("node reported non-completed task",
					zap.String("from_node", msg.NodeID),
					zap.String("state", msg.State),
					zap.String("error", msg.Error),
				)
			}
		case <-ticker.C:
			live, err := c.members.Members(ctx)
			if err != nil {
				logger.Warn("membership check failed", zap.Error(err))
				continue
			}
			alive := make(map[string]struct{}, len(live))
			for _, m := range live {
				alive[m] = struct{}{}
			}
			for node := range pending {
				if _, ok := alive[node]; !ok {
					delete(pending, node)
					logger.Warn("node left before reporting", zap.String("from_node", node))
					agg.fail(fmt.Errorf("node %s left the grid", node))
				}
			}
		}
	}
	return agg.result()
}

// aggregate folds per-node results: any non-completed node fails the stage,
// and a stage where every bad node was stopped is reported as stopped.
type aggregate struct {
	errs    []error
	failed  bool
	stopped bool
}

func (a *aggregate) add(msg bus.Message) {
	state, err := grid.ParseTaskState(msg.State)
	if err != nil {
		a.fail(fmt.Errorf("node %s: %w", msg.NodeID, err))
		return
	}
	switch state {
	case grid.TaskCompleted:
	case grid.TaskStopped:
		a.stopped = true
		a.errs = append(a.errs, fmt.Errorf("node %s: stopped", msg.NodeID))
	default:
		a.fail(fmt.Errorf("node %s: %s: %s", msg.NodeID, state, msg.Error))
	}
}

func (a *aggregate) fail(err error) {
	a.failed = true
	a.errs = append(a.errs, err)
}

func (a *aggregate) result() grid.TaskResult {
	switch {
	case a.failed:
		return grid.TaskResult{State: grid.TaskFailed, Err: errors.Join(a.errs...)}
	case a.stopped:
		return grid.TaskResult{State: grid.TaskStopped, Err: errors.Join(a.errs...)}
	default:
		return grid.TaskResult{State: grid.TaskCompleted}
	}
}

func failed(err error) grid.TaskResult {
	return grid.TaskResult{State: grid.TaskFailed, Err: err}
}
