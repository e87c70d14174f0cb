package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the pipeline_runs status column.
type RunStatus string

// Run statuses persisted in pipeline_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunStopped RunStatus = "stopped"
	RunError   RunStatus = "error"
)

// StageOutcome mirrors the stage_runs outcome column.
type StageOutcome string

// Stage outcomes persisted in stage_runs.outcome.
const (
	StageCompleted StageOutcome = "completed"
	StageFailed    StageOutcome = "failed"
	StageSkipped   StageOutcome = "skipped"
)

// PipelineRun models one coordinator execution of a pipeline.
type PipelineRun struct {
	ID         string
	PipelineID string
	// NodeID is the coordinator that drove the run.
	NodeID    string
	StartedAt time.Time
	// StartIndex is the stage the run resumed from.
	StartIndex int
	// FinishedAt is nil while the run is in flight.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// StageRun records the disposition of one stage within a run.
type StageRun struct {
	RunID      string
	Stage      string
	StageIndex int
	Outcome    StageOutcome
	Duration   time.Duration
	At         time.Time
	Error      *string
}

// RunRepository persists pipeline run history.
type RunRepository interface {
	// StartRun inserts a running run row.
	StartRun(ctx context.Context, run PipelineRun) error
	// FinishRun marks the run finished with the provided status and error.
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, status RunStatus, errMsg *string) error
	// RecordStage appends a stage disposition to the run.
	RecordStage(ctx context.Context, rec StageRun) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (PipelineRun, error)
	// ListRuns returns a pipeline's runs, newest first.
	ListRuns(ctx context.Context, pipelineID string, limit, offset int) ([]PipelineRun, error)
	// ListStages returns the stage records of one run in stage order.
	ListStages(ctx context.Context, runID string) ([]StageRun, error)
}
