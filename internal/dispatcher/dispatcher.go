// Package dispatcher broadcasts grid control messages: task starts and stops,
// task results, pipeline completion and pipeline stop requests.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/bus"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Dispatcher is the WorkDispatcher for one node.
type Dispatcher struct {
	bus    bus.Bus
	nodeID string
	logger *zap.Logger
}

// New creates a Dispatcher publishing on b as nodeID.
func New(b bus.Bus, nodeID string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:    b,
		nodeID: nodeID,
		logger: logger.Named("dispatcher"),
	}
}

func (d *Dispatcher) publish(ctx context.Context, op, pipelineID string, msg bus.Message) error {
	msg.NodeID = d.nodeID
	if err := d.bus.Publish(ctx, msg); err != nil {
		return &grid.Error{Op: op, PipelineID: pipelineID, Err: fmt.Errorf("bus publish: %w", err)}
	}
	return nil
}

// StartTaskOnNodes asks every node to run the stage's task. Results are
// correlated by dispatchID.
func (d *Dispatcher) StartTaskOnNodes(ctx context.Context, pipelineID string, stage grid.Stage, dispatchID string) error {
	d.logger.Debug("starting task on nodes",
		zap.String("pipeline_id", pipelineID),
		zap.String("stage", stage.Name),
		zap.String("task_id", stage.TaskID()),
		zap.String("dispatch_id", dispatchID),
	)
	return d.publish(ctx, "start task", pipelineID, bus.Message{
		Kind:       bus.KindStartTask,
		PipelineID: bus.PipelineRef(pipelineID),
		Stage:      stage.Name,
		TaskID:     stage.TaskID(),
		DispatchID: dispatchID,
	})
}

// StopTaskOnNodes asks every node running taskID to stop it.
func (d *Dispatcher) StopTaskOnNodes(ctx context.Context, taskID string) error {
	d.logger.Info("stopping task on nodes", zap.String("task_id", taskID))
	return d.publish(ctx, "stop task", "", bus.Message{Kind: bus.KindStopTask, TaskID: taskID})
}

// SetPipelineDoneOnNodes tells waiting nodes the pipeline finished.
func (d *Dispatcher) SetPipelineDoneOnNodes(ctx context.Context, pipelineID string, success bool) error {
	return d.publish(ctx, "set pipeline done", pipelineID, bus.Message{
		Kind:       bus.KindPipelineDone,
		PipelineID: bus.PipelineRef(pipelineID),
		Success:    success,
	})
}

// StopPipeline broadcasts a stop request. A nil id stops every pipeline.
func (d *Dispatcher) StopPipeline(ctx context.Context, pipelineID *string) error {
	var id string
	if pipelineID != nil {
		id = *pipelineID
	}
	d.logger.Info("requesting pipeline stop", zap.String("pipeline_id", id), zap.Bool("all", pipelineID == nil))
	return d.publish(ctx, "stop pipeline", id, bus.Message{Kind: bus.KindStopPipeline, PipelineID: pipelineID})
}

// ReportTaskResult publishes this node's terminal state for a dispatch.
func (d *Dispatcher) ReportTaskResult(
	ctx context.Context,
	pipelineID, stage, taskID, dispatchID string,
	result grid.TaskResult,
) error {
	msg := bus.Message{
		Kind:       bus.KindTaskResult,
		PipelineID: bus.PipelineRef(pipelineID),
		Stage:      stage,
		TaskID:     taskID,
		DispatchID: dispatchID,
		State:      string(result.State),
	}
	if result.Err != nil {
		msg.Error = result.Err.Error()
	}
	return d.publish(ctx, "report task result", pipelineID, msg)
}
