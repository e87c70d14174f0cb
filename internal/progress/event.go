package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the lifecycle milestone an Event represents.
type Kind string

// Supported lifecycle milestones.
const (
	PipelineStart Kind = "PIPELINE_START"
	StageStart    Kind = "STAGE_START"
	StageDone     Kind = "STAGE_DONE"
	StageFailed   Kind = "STAGE_FAILED"
	StageSkipped  Kind = "STAGE_SKIPPED"
	PipelineDone  Kind = "PIPELINE_DONE"
	PipelineError Kind = "PIPELINE_ERROR"
)

// Event captures one milestone of a coordinator run.
type Event struct {
	// RunID identifies one coordinator execution of a pipeline.
	RunID      string
	PipelineID string
	NodeID     string
	Kind       Kind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage and StageIndex scope STAGE_* events. PIPELINE_START carries the
	// resume index in StageIndex.
	Stage      string
	StageIndex int
	// Dur is the stage execution time, or the run time for PIPELINE_DONE.
	Dur time.Duration
	// Success and Stopped describe the outcome on PIPELINE_DONE.
	Success bool
	Stopped bool
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.PipelineID == "" {
		return errors.New("pipeline id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case PipelineStart, PipelineDone, PipelineError:
	case StageStart, StageDone, StageFailed, StageSkipped:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
		if e.StageIndex < 0 {
			return fmt.Errorf("%s requires stage index >= 0", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Result labels a finished run: success, failed or stopped.
func (e Event) Result() string {
	switch {
	case e.Kind == PipelineError:
		return "error"
	case e.Stopped:
		return "stopped"
	case e.Success:
		return "success"
	default:
		return "failed"
	}
}
