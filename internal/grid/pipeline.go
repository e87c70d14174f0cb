package grid

import (
	"fmt"
	"strings"
)

// Pipeline is an ordered, named list of uniquely named stages. Callers build it
// once and must not mutate it while it executes.
type Pipeline struct {
	ID     string
	Stages []Stage
}

// NewPipeline builds and validates a pipeline.
func NewPipeline(id string, stages ...Stage) (*Pipeline, error) {
	p := &Pipeline{ID: id, Stages: append([]Stage(nil), stages...)}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the pipeline can be executed.
func (p *Pipeline) Validate() error {
	if p == nil {
		return &Error{Op: "validate pipeline", Err: ErrInvalidPipeline}
	}
	if strings.TrimSpace(p.ID) == "" {
		return &Error{Op: "validate pipeline", Err: fmt.Errorf("%w: empty id", ErrInvalidPipeline)}
	}
	if len(p.Stages) == 0 {
		return &Error{Op: "validate pipeline", PipelineID: p.ID, Err: ErrEmptyPipeline}
	}
	seen := make(map[string]int, len(p.Stages))
	for i, stage := range p.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			return &Error{Op: "validate pipeline", PipelineID: p.ID,
				Err: fmt.Errorf("%w: stage %d has no name", ErrInvalidStage, i)}
		}
		if stage.Task == nil {
			return &Error{Op: "validate pipeline", PipelineID: p.ID,
				Err: fmt.Errorf("%w: stage %q has no task", ErrInvalidStage, stage.Name)}
		}
		if first, dup := seen[stage.Name]; dup {
			return &Error{Op: "validate pipeline", PipelineID: p.ID,
				Err: fmt.Errorf("%w: %q at %d and %d", ErrDuplicateStage, stage.Name, first, i)}
		}
		seen[stage.Name] = i
	}
	return nil
}

// IndexOf returns the index of the named stage, or -1.
func (p *Pipeline) IndexOf(name string) int {
	for i, stage := range p.Stages {
		if stage.Name == name {
			return i
		}
	}
	return -1
}

// Stage returns the named stage.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	if i := p.IndexOf(name); i >= 0 {
		return p.Stages[i], true
	}
	return Stage{}, false
}

// StageNames lists stage names in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, stage := range p.Stages {
		names[i] = stage.Name
	}
	return names
}
