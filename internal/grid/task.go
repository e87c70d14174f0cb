package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TaskState is the lifecycle state of a dispatched task.
type TaskState string

const (
	// TaskPending means the task has not started.
	TaskPending TaskState = "pending"
	// TaskRunning means the task is executing on at least one node.
	TaskRunning TaskState = "running"
	// TaskCompleted means the task returned without error.
	TaskCompleted TaskState = "completed"
	// TaskFailed means the task returned an error or panicked.
	TaskFailed TaskState = "failed"
	// TaskStopped means the task returned after Stop was invoked.
	TaskStopped TaskState = "stopped"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskStopped:
		return true
	default:
		return false
	}
}

// ParseTaskState converts a wire value into a TaskState.
func ParseTaskState(raw string) (TaskState, error) {
	switch s := TaskState(raw); s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskStopped:
		return s, nil
	default:
		return "", fmt.Errorf("unknown task state %q", raw)
	}
}

// TaskResult is the terminal outcome of one task execution.
type TaskResult struct {
	State TaskState
	Err   error
}

// Completed reports whether the task finished successfully.
func (r TaskResult) Completed() bool {
	return r.State == TaskCompleted
}

// Task is a unit of work a stage runs on one or more nodes.
//
// Execute must be safe to invoke again after a coordinator crash. Stop asks a
// running Execute to return promptly and must be safe to call at any time,
// including before Execute starts.
type Task interface {
	ID() string
	Execute(ctx context.Context) error
	Stop()
}

// ErrTaskStopped is returned by FuncTask when Stop interrupted it.
var ErrTaskStopped = errors.New("task stopped")

// FuncTask adapts a function into a Task. Stop cancels the context handed to
// the running function.
type FuncTask struct {
	id string
	fn func(ctx context.Context) error

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextRun int
}

// NewTask builds a FuncTask.
func NewTask(id string, fn func(ctx context.Context) error) *FuncTask {
	return &FuncTask{
		id:      id,
		fn:      fn,
		cancels: make(map[int]context.CancelFunc),
	}
}

// ID returns the task identifier.
func (t *FuncTask) ID() string {
	return t.id
}

// Execute runs the wrapped function until it returns or Stop is called.
func (t *FuncTask) Execute(ctx context.Context) error {
	if t.fn == nil {
		return fmt.Errorf("task %s: no function", t.id)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	t.mu.Lock()
	run := t.nextRun
	t.nextRun++
	t.cancels[run] = func() { cancel(ErrTaskStopped) }
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.cancels, run)
		t.mu.Unlock()
		cancel(nil)
	}()

	err := t.fn(runCtx)
	if err != nil && errors.Is(context.Cause(runCtx), ErrTaskStopped) {
		return fmt.Errorf("%w: %w", ErrTaskStopped, err)
	}
	return err
}

// Stop cancels every in-flight Execute call. It is a no-op when idle.
func (t *FuncTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.cancels {
		cancel()
	}
}
