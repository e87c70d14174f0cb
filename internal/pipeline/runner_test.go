package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func TestRunnerRun(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{ok: true}
	r := NewRunner(context.Background(), exec, runnerPipelines(t, "b", "a"), zap.NewNop())
	require.Equal(t, []string{"a", "b"}, r.Pipelines())

	ok, err := r.Run(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), exec.calls.Load())
	require.False(t, r.Running("a"))

	_, err = r.Run(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownPipeline)
}

func TestRunnerLaunchRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	exec := &fakeExecutor{ok: true, block: release}
	r := NewRunner(context.Background(), exec, runnerPipelines(t, "a"), zap.NewNop())

	require.NoError(t, r.Launch("a"))
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, r.Running("a"))
	require.ErrorIs(t, r.Launch("a"), ErrAlreadyRunning)
	_, err := r.Run(context.Background(), "a")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	r.Wait()
	require.False(t, r.Running("a"))
	require.NoError(t, r.Launch("a"))
	r.Wait()
	require.Equal(t, int32(2), exec.calls.Load())
}

func TestRunnerLaunchUsesBaseContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{waitCtx: true}
	r := NewRunner(ctx, exec, runnerPipelines(t, "a"), zap.NewNop())

	require.NoError(t, r.Launch("a"))
	cancel()
	r.Wait()
	require.ErrorIs(t, exec.lastErr.Load().(error), context.Canceled)
}

func runnerPipelines(t *testing.T, ids ...string) map[string]*grid.Pipeline {
	t.Helper()
	out := make(map[string]*grid.Pipeline, len(ids))
	for _, id := range ids {
		task := grid.NewTask(id+"/only", func(context.Context) error { return nil })
		p, err := grid.NewPipeline(id, grid.Stage{Name: "only", Task: task})
		require.NoError(t, err)
		out[id] = p
	}
	return out
}

type fakeExecutor struct {
	ok      bool
	block   chan struct{}
	waitCtx bool
	calls   atomic.Int32
	lastErr atomic.Value
}

func (f *fakeExecutor) Execute(ctx context.Context, _ *grid.Pipeline) (bool, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.waitCtx {
		<-ctx.Done()
		err := ctx.Err()
		f.lastErr.Store(err)
		return false, err
	}
	return f.ok, nil
}
