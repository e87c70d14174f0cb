package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

var (
	// ErrUnknownPipeline is returned for ids with no configured pipeline.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrAlreadyRunning is returned when this node is already executing the
	// pipeline.
	ErrAlreadyRunning = errors.New("pipeline already running on this node")
)

// Executor runs one pipeline on the grid.
type Executor interface {
	Execute(ctx context.Context, p *grid.Pipeline) (bool, error)
}

// Runner executes configured pipelines by id, at most one execution per
// pipeline on this node at a time.
type Runner struct {
	base      context.Context
	exec      Executor
	pipelines map[string]*grid.Pipeline
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewRunner builds a Runner. base bounds executions started with Launch.
func NewRunner(base context.Context, exec Executor, pipelines map[string]*grid.Pipeline, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		base:      base,
		exec:      exec,
		pipelines: pipelines,
		logger:    logger.Named("runner"),
		running:   make(map[string]struct{}),
	}
}

// Pipelines lists the configured pipeline ids in sorted order.
func (r *Runner) Pipelines() []string {
	ids := make([]string, 0, len(r.pipelines))
	for id := range r.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Running reports whether this node is executing the pipeline.
func (r *Runner) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// Run executes the pipeline and blocks until it finishes.
func (r *Runner) Run(ctx context.Context, id string) (bool, error) {
	p, err := r.claim(id)
	if err != nil {
		return false, err
	}
	defer r.release(id)
	return r.exec.Execute(ctx, p)
}

// Launch starts the pipeline in the background.
func (r *Runner) Launch(id string) error {
	p, err := r.claim(id)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(id)
		ok, err := r.exec.Execute(r.base, p)
		logger := r.logger.With(zap.String("pipeline_id", id))
		if err != nil {
			logger.Error("pipeline execution error", zap.Error(err))
			return
		}
		logger.Info("pipeline execution finished", zap.Bool("success", ok))
	}()
	return nil
}

// Wait blocks until every launched execution has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) claim(id string) (*grid.Pipeline, error) {
	p, ok := r.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	r.running[id] = struct{}{}
	return p, nil
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}
