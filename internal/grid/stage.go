package grid

import (
	"context"
	"fmt"
	"strings"
)

// RunScope selects the nodes a stage's task runs on.
type RunScope int

const (
	// ScopeSingle runs the task once, on the coordinator's local worker.
	ScopeSingle RunScope = iota
	// ScopeAll runs the task on every live node and aggregates the results.
	ScopeAll
)

// String returns the config/wire name of the scope.
func (s RunScope) String() string {
	switch s {
	case ScopeSingle:
		return "single"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("RunScope(%d)", int(s))
	}
}

// ParseRunScope parses "single" or "all". Empty means single.
func ParseRunScope(raw string) (RunScope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "single", "one":
		return ScopeSingle, nil
	case "all":
		return ScopeAll, nil
	default:
		return ScopeSingle, fmt.Errorf("unknown run scope %q", raw)
	}
}

// Predicate guards whether a stage runs. It is evaluated once per attempt.
type Predicate func(ctx context.Context) bool

// Stage binds a task to its position metadata inside a pipeline.
type Stage struct {
	Name string
	Task Task
	// Always stages run on every attempt regardless of failures or stop
	// requests, without moving the persisted stage pointer.
	Always bool
	OnlyIf Predicate
	Scope  RunScope
}

// TaskID returns the bound task's id, or "" when no task is set.
func (s Stage) TaskID() string {
	if s.Task == nil {
		return ""
	}
	return s.Task.ID()
}
