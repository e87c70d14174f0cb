package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// noFailure is the failed index of an execution where every stage so far
// completed.
const noFailure = -1

// execution is the coordinator-local state of one Execute call. Only the
// stage loop writes the indexes; the stop monitor reads the active task and
// flips the stop flag.
type execution struct {
	pipeline *grid.Pipeline
	runID    string
	started  time.Time

	current int
	start   int
	failed  int

	stopRequested atomic.Bool

	mu          sync.Mutex
	activeStage string
	activeTask  string
	stopSent    bool
	monitorErr  error
}

func newExecution(p *grid.Pipeline, runID string, started time.Time) *execution {
	return &execution{
		pipeline: p,
		runID:    runID,
		started:  started,
		failed:   noFailure,
	}
}

func (e *execution) stage() grid.Stage {
	return e.pipeline.Stages[e.current]
}

// activate moves the loop to stage i.
func (e *execution) activate(i int) grid.Stage {
	e.current = i
	stage := e.pipeline.Stages[i]
	e.mu.Lock()
	e.activeStage = stage.Name
	e.activeTask = stage.TaskID()
	e.mu.Unlock()
	return stage
}

func (e *execution) active() (stage, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeStage, e.activeTask
}

func (e *execution) stopped() bool {
	return e.stopRequested.Load()
}

func (e *execution) hasFailure() bool {
	return e.failed > noFailure
}

// markStopped flips the stop flag for a request that needs no stop-task
// broadcast, because no task is running or the running one already stopped.
func (e *execution) markStopped() {
	e.mu.Lock()
	e.stopSent = true
	e.mu.Unlock()
	e.stopRequested.Store(true)
}

// stopDelivered records a successful stop-task broadcast and clears any
// earlier delivery error.
func (e *execution) stopDelivered() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSent = true
	e.monitorErr = nil
}

func (e *execution) stopPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopSent
}

func (e *execution) recordMonitorErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitorErr = err
}

func (e *execution) monitorError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitorErr
}

// succeeded reports whether every stage that ran completed and no stop was
// requested.
func (e *execution) succeeded() bool {
	return !e.hasFailure() && !e.stopped()
}
