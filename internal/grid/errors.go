package grid

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPipeline is returned for a nil or unnamed pipeline.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrEmptyPipeline is returned when a pipeline has no stages.
	ErrEmptyPipeline = errors.New("pipeline has no stages")
	// ErrDuplicateStage is returned when two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrInvalidStage is returned for a stage without a name or task.
	ErrInvalidStage = errors.New("invalid stage")
	// ErrStopDispatch is returned when a stop instruction could not be
	// broadcast to the grid.
	ErrStopDispatch = errors.New("stop dispatch failed")
)

// Error is the generic grid runtime error.
type Error struct {
	Op         string
	PipelineID string
	Err        error
}

func (e *Error) Error() string {
	if e.PipelineID == "" {
		return fmt.Sprintf("grid: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("grid: %s (pipeline %s): %v", e.Op, e.PipelineID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
