package tasks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Env carries the collaborators tasks may need. Fetch tasks require Fetcher,
// Hasher and Blobs; the other built-ins only log.
type Env struct {
	Logger  *zap.Logger
	Fetcher Fetcher
	Hasher  Hasher
	Blobs   BlobStore
	// Limiter, Retry and Blocklist are optional.
	Limiter   Limiter
	Retry     Retrier
	Blocklist HostFilter
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Spec identifies the stage a task is built for.
type Spec struct {
	PipelineID string
	Stage      string
	Args       map[string]string
}

// TaskID is the grid-wide task id of the stage.
func (s Spec) TaskID() string {
	return s.PipelineID + "/" + s.Stage
}

// Factory builds a task for a stage.
type Factory func(spec Spec, env Env) (grid.Task, error)

var factories = map[string]Factory{
	"log":   newLogTask,
	"sleep": newSleepTask,
	"fail":  newFailTask,
	"fetch": newFetchTask,
}

// Names lists the registered task names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build turns a configured pipeline into a validated grid pipeline.
func Build(id string, cfg config.PipelineConfig, env Env) (*grid.Pipeline, error) {
	env.Logger = env.logger()
	stages := make([]grid.Stage, 0, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		factory, ok := factories[strings.ToLower(sc.Task)]
		if !ok {
			return nil, fmt.Errorf("pipeline %s stage %d: unknown task %q (known: %s)",
				id, i, sc.Task, strings.Join(Names(), ", "))
		}
		scope, err := grid.ParseRunScope(sc.Scope)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s stage %s: %w", id, sc.Name, err)
		}
		task, err := factory(Spec{PipelineID: id, Stage: sc.Name, Args: sc.Args}, env)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s stage %s: %w", id, sc.Name, err)
		}
		stage := grid.Stage{
			Name:   sc.Name,
			Task:   task,
			Always: sc.Always,
			Scope:  scope,
		}
		if sc.OnlyIfEnv != "" {
			stage.OnlyIf = envFlag(sc.OnlyIfEnv)
		}
		stages = append(stages, stage)
	}
	p, err := grid.NewPipeline(id, stages...)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}

// BuildAll builds every configured pipeline.
func BuildAll(cfgs map[string]config.PipelineConfig, env Env) (map[string]*grid.Pipeline, error) {
	out := make(map[string]*grid.Pipeline, len(cfgs))
	for id, cfg := range cfgs {
		p, err := Build(id, cfg, env)
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// envFlag is true when the variable parses as a true bool, or is set to any
// other non-empty value.
func envFlag(name string) grid.Predicate {
	return func(context.Context) bool {
		raw, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return false
		}
		if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return b
		}
		return true
	}
}
