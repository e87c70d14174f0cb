package grid

import (
	"context"
	"time"
)

// CompletedIndex is the pointer value recorded once a pipeline finishes.
const CompletedIndex = -1

// StagePointer is the persisted, crash-durable record of the active stage of a
// pipeline. Stage is the authoritative key; Index is kept so a pointer can be
// resolved when the named stage no longer exists.
type StagePointer struct {
	Index int    `json:"index"`
	Stage string `json:"stage,omitempty"`
}

// CompletedPointer returns the pointer for a finished pipeline.
func CompletedPointer() StagePointer {
	return StagePointer{Index: CompletedIndex}
}

// Completed reports whether the pointer marks a finished pipeline.
func (p StagePointer) Completed() bool {
	return p.Index == CompletedIndex
}

// StageStore persists stage pointers keyed by pipeline id.
type StageStore interface {
	// GetStage returns the pointer and whether one was stored.
	GetStage(ctx context.Context, pipelineID string) (StagePointer, bool, error)
	PutStage(ctx context.Context, pipelineID string, ptr StagePointer) error
}

// Elector reports this node's identity and coordinator status.
type Elector interface {
	NodeID() string
	IsCoordinator() bool
}

// Membership lists live node ids.
type Membership interface {
	Members(ctx context.Context) ([]string, error)
}

// Compute executes stage tasks on the grid.
type Compute interface {
	// ExecuteTask runs the stage's task according to its scope and blocks
	// until a terminal state is known.
	ExecuteTask(ctx context.Context, pipelineID string, stage Stage) TaskResult
	StopTask(ctx context.Context, taskID string) error
}

// Dispatcher broadcasts control messages to every node.
type Dispatcher interface {
	StopTaskOnNodes(ctx context.Context, taskID string) error
	SetPipelineDoneOnNodes(ctx context.Context, pipelineID string, success bool) error
	// StopPipeline requests a stop; a nil id targets every pipeline.
	StopPipeline(ctx context.Context, pipelineID *string) error
}

// Worker is the local node's view of pipeline-level signals.
type Worker interface {
	// IsPipelineDone reports whether a completion broadcast was received and
	// the success flag it carried.
	IsPipelineDone(pipelineID string) (done bool, success bool)
	IsPipelineStopRequested(pipelineID string) bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
