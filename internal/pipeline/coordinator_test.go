package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	busmem "github.com/JakeFAU/crawlgrid/internal/bus/memory"
	"github.com/JakeFAU/crawlgrid/internal/clock/system"
	clustermem "github.com/JakeFAU/crawlgrid/internal/cluster/memory"
	"github.com/JakeFAU/crawlgrid/internal/compute"
	"github.com/JakeFAU/crawlgrid/internal/dispatcher"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/id/uuid"
	"github.com/JakeFAU/crawlgrid/internal/progress"
	storagemem "github.com/JakeFAU/crawlgrid/internal/storage/memory"
	"github.com/JakeFAU/crawlgrid/internal/worker"
)

type testNode struct {
	coordinator *Coordinator
	dispatcher  *dispatcher.Dispatcher
	worker      *worker.Worker
}

// testGrid is an in-process grid sharing one stage store. The first node id
// is the elected coordinator.
type testGrid struct {
	cluster *clustermem.Cluster
	store   *historyStore
	events  *eventLog
	nodes   map[string]*testNode
}

func newTestGrid(t *testing.T, ids ...string) *testGrid {
	t.Helper()
	return newTestGridWith(t, Config{PollInterval: 5 * time.Millisecond, StopMonitorInterval: 5 * time.Millisecond}, ids...)
}

func newTestGridWith(t *testing.T, cfg Config, ids ...string) *testGrid {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	g := &testGrid{
		cluster: clustermem.NewCluster(ids[0]),
		store:   newHistoryStore(),
		events:  &eventLog{},
		nodes:   make(map[string]*testNode, len(ids)),
	}
	net := busmem.NewNetwork(64)
	for _, id := range ids {
		member := g.cluster.Join(id)
		b := net.Join()
		d := dispatcher.New(b, id, nil)
		w := worker.New(id, d, nil)
		go func() { _ = w.Run(ctx, b) }()

		comp := compute.New(w, d, member, uuid.New(), compute.Config{MemberCheckInterval: 10 * time.Millisecond}, nil)
		coord, err := NewCoordinator(Dependencies{
			Elector:    member,
			Store:      g.store,
			Compute:    comp,
			Dispatcher: d,
			Worker:     w,
			Events:     g.events,
			IDs:        uuid.New(),
			Clock:      system.New(),
		}, cfg, nil)
		require.NoError(t, err)
		g.nodes[id] = &testNode{coordinator: coord, dispatcher: d, worker: w}
	}
	return g
}

func (g *testGrid) pointer(t *testing.T, pipelineID string) grid.StagePointer {
	t.Helper()
	ptr, found, err := g.store.GetStage(context.Background(), pipelineID)
	require.NoError(t, err)
	require.True(t, found)
	return ptr
}

// TestExecuteRunsStagesSequentially checks stages never overlap and the
// pointer walks forward to completion.
func TestExecuteRunsStagesSequentially(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	p := mustPipeline(t, "crawl",
		rec.stage("A", 5*time.Millisecond, nil),
		rec.stage("B", 5*time.Millisecond, nil),
		rec.stage("C", 5*time.Millisecond, nil),
	)

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"A", "B", "C"}, rec.ran())
	require.EqualValues(t, 1, rec.maxConcurrent.Load())
	require.Equal(t, []grid.StagePointer{
		{Index: 0, Stage: "A"},
		{Index: 1, Stage: "B"},
		{Index: 2, Stage: "C"},
		grid.CompletedPointer(),
	}, g.store.history("crawl"))
}

func TestExecuteSkipsAfterFailure(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	p := mustPipeline(t, "crawl",
		rec.stage("A", 0, nil),
		rec.stage("B", 0, errors.New("boom")),
		rec.stage("C", 0, nil),
	)

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A", "B"}, rec.ran())
	require.Equal(t, grid.StagePointer{Index: 1, Stage: "B"}, g.pointer(t, "crawl"))
}

func TestExecuteRunsAlwaysStageAfterFailure(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	cleanup := rec.stage("B", 0, nil)
	cleanup.Always = true
	p := mustPipeline(t, "crawl",
		rec.stage("A", 0, errors.New("boom")),
		cleanup,
		rec.stage("C", 0, nil),
	)

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A", "B"}, rec.ran())
	// The always stage runs off the books.
	require.Equal(t, []grid.StagePointer{{Index: 0, Stage: "A"}}, g.store.history("crawl"))
}

func TestExecuteResumesFromPersistedPointer(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	p := mustPipeline(t, "crawl",
		rec.stage("A", 0, nil),
		rec.stage("B", 0, nil),
		rec.stage("C", 0, nil),
	)
	require.NoError(t, g.store.PutStage(context.Background(), "crawl", grid.StagePointer{Index: 1, Stage: "B"}))

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"B", "C"}, rec.ran())
	require.True(t, g.pointer(t, "crawl").Completed())
}

func TestExecuteRestartsCompletedPipeline(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	p := mustPipeline(t, "crawl",
		rec.stage("A", 0, nil),
		rec.stage("B", 0, nil),
	)
	require.NoError(t, g.store.PutStage(context.Background(), "crawl", grid.CompletedPointer()))

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"A", "B"}, rec.ran())
}

func TestExecuteOnlyIfSkipsButAdvancesPointer(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	gated := rec.stage("B", 0, nil)
	gated.OnlyIf = func(context.Context) bool { return false }
	p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), gated, rec.stage("C", 0, nil))

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"A", "C"}, rec.ran())
	require.Equal(t, []grid.StagePointer{
		{Index: 0, Stage: "A"},
		{Index: 1, Stage: "B"},
		{Index: 2, Stage: "C"},
		grid.CompletedPointer(),
	}, g.store.history("crawl"))
}

// TestExecuteStopSkipsRemainingStages requests a stop during stage A; A
// finishes anyway, B and D are skipped and the always stage C still runs.
func TestExecuteStopSkipsRemainingStages(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	coord := g.nodes["a"].coordinator
	rec := newRecorder()
	id := "crawl"
	first := grid.Stage{Name: "A", Task: grid.NewTask("task-A", func(ctx context.Context) error {
		rec.record("A")
		if err := coord.StopPipeline(context.Background(), &id); err != nil {
			return err
		}
		// The worker cancels the running task; give the monitor a few
		// ticks to observe the request before the next stage.
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		return nil
	})}
	cleanup := rec.stage("C", 0, nil)
	cleanup.Always = true
	p := mustPipeline(t, id, first, rec.stage("B", 0, nil), cleanup, rec.stage("D", 0, nil))

	ok, err := coord.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A", "C"}, rec.ran())
	require.Equal(t, grid.StagePointer{Index: 0, Stage: "A"}, g.pointer(t, id))

	skipped := g.events.ofKind(progress.StageSkipped)
	require.Len(t, skipped, 2)
	require.Equal(t, "B", skipped[0].Stage)
	require.Equal(t, reasonStopped, skipped[0].Note)
	done := g.events.ofKind(progress.PipelineDone)
	require.Len(t, done, 1)
	require.True(t, done[0].Stopped)
}

// TestExecuteObservesStopBetweenMonitorTicks requests a stop that the running
// task honors by returning cleanly long before the next monitor tick. The
// stage loop must still see it before launching B.
func TestExecuteObservesStopBetweenMonitorTicks(t *testing.T) {
	t.Parallel()

	g := newTestGridWith(t, Config{}, "a")
	coord := g.nodes["a"].coordinator
	rec := newRecorder()
	id := "crawl"
	first := grid.Stage{Name: "A", Task: grid.NewTask("task-A", func(ctx context.Context) error {
		rec.record("A")
		if err := coord.StopPipeline(context.Background(), &id); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})}
	p := mustPipeline(t, id, first, rec.stage("B", 0, nil))

	ok, err := coord.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A"}, rec.ran())
	require.Equal(t, grid.StagePointer{Index: 0, Stage: "A"}, g.pointer(t, id))

	done := g.events.ofKind(progress.PipelineDone)
	require.Len(t, done, 1)
	require.True(t, done[0].Stopped)
}

// TestExecuteTreatsStoppedStageAsStop checks a stage whose task was stopped
// before the monitor ticked ends the run as stopped, not failed.
func TestExecuteTreatsStoppedStageAsStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.compute.stopOn = "A"
	rec := newRecorder()
	p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), rec.stage("B", 0, nil))

	ok, err := f.coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A"}, rec.ran())

	skipped := f.events.ofKind(progress.StageSkipped)
	require.Len(t, skipped, 1)
	require.Equal(t, reasonStopped, skipped[0].Note)
	done := f.events.ofKind(progress.PipelineDone)
	require.Len(t, done, 1)
	require.True(t, done[0].Stopped)
	require.Equal(t, []bool{false}, f.dispatcher.doneCalls())
}

// TestFetchChecksumCommitRetry fails checksum once, then resumes at it.
func TestFetchChecksumCommitRetry(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a")
	rec := newRecorder()
	var attempts atomic.Int32
	checksum := grid.Stage{Name: "checksum", Task: grid.NewTask("checksum", func(context.Context) error {
		rec.record("checksum")
		if attempts.Add(1) == 1 {
			return errors.New("checksum mismatch")
		}
		return nil
	})}
	p := mustPipeline(t, "crawl", rec.stage("fetch", 0, nil), checksum, rec.stage("commit", 0, nil))
	coord := g.nodes["a"].coordinator

	ok, err := coord.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	idx, err := coord.ActiveStageIndex(context.Background(), "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	name, err := coord.ActiveStageName(context.Background(), "crawl")
	require.NoError(t, err)
	require.Equal(t, "checksum", name)

	ok, err = coord.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"fetch", "checksum", "checksum", "commit"}, rec.ran())
	idx, err = coord.ActiveStageIndex(context.Background(), "crawl")
	require.NoError(t, err)
	require.Equal(t, grid.CompletedIndex, idx)
	name, err = coord.ActiveStageName(context.Background(), "crawl")
	require.NoError(t, err)
	require.Empty(t, name)
}

func TestExecuteResumesByStageName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ptr  grid.StagePointer
		want []string
	}{
		{"name wins over index", grid.StagePointer{Index: 0, Stage: "C"}, []string{"C"}},
		{"missing name falls back to index", grid.StagePointer{Index: 1, Stage: "gone"}, []string{"B", "C"}},
		{"out of range restarts", grid.StagePointer{Index: 7}, []string{"A", "B", "C"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGrid(t, "a")
			rec := newRecorder()
			p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), rec.stage("B", 0, nil), rec.stage("C", 0, nil))
			require.NoError(t, g.store.PutStage(context.Background(), "crawl", tc.ptr))

			ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.want, rec.ran())
		})
	}
}

func TestNonCoordinatorWaitsForCompletion(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a", "b")
	rec := newRecorder()
	everywhere := rec.stage("broadcast", 0, nil)
	everywhere.Scope = grid.ScopeAll
	p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), everywhere)

	waiting := make(chan outcome, 1)
	go func() {
		ok, err := g.nodes["b"].coordinator.Execute(context.Background(), p)
		waiting <- outcome{ok, err}
	}()
	require.Eventually(t, func() bool { return g.nodes["b"].worker.Registered("crawl") }, time.Second, time.Millisecond)

	ok, err := g.nodes["a"].coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case out := <-waiting:
		require.NoError(t, out.err)
		require.True(t, out.ok)
	case <-time.After(2 * time.Second):
		t.Fatal("non-coordinator did not return")
	}
	require.ElementsMatch(t, []string{"A", "broadcast", "broadcast"}, rec.ran())
}

// TestNonCoordinatorStaysRegisteredAfterStop checks a waiting node keeps the
// pipeline registered after a stop request and reports false once the
// coordinator broadcasts completion.
func TestNonCoordinatorStaysRegisteredAfterStop(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a", "b")
	p := mustPipeline(t, "crawl", newRecorder().stage("A", 0, nil))

	waiting := make(chan outcome, 1)
	go func() {
		ok, err := g.nodes["b"].coordinator.Execute(context.Background(), p)
		waiting <- outcome{ok, err}
	}()
	require.Eventually(t, func() bool { return g.nodes["b"].worker.Registered("crawl") }, time.Second, time.Millisecond)
	require.NoError(t, g.nodes["a"].coordinator.StopPipeline(context.Background(), nil))

	require.Never(t, func() bool { return len(waiting) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.True(t, g.nodes["b"].worker.Registered("crawl"))

	// A successful broadcast cannot override the stop this node observed.
	require.NoError(t, g.nodes["a"].dispatcher.SetPipelineDoneOnNodes(context.Background(), "crawl", true))
	select {
	case out := <-waiting:
		require.NoError(t, out.err)
		require.False(t, out.ok)
	case <-time.After(2 * time.Second):
		t.Fatal("non-coordinator did not return after pipeline done")
	}
	require.False(t, g.nodes["b"].worker.Registered("crawl"))
}

// TestStopStillRunsAlwaysStageOnEveryNode stops an all-nodes stage that is
// slow to wind down; the always cleanup stage must still reach the waiting
// node and the run must finish.
func TestStopStillRunsAlwaysStageOnEveryNode(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a", "b")
	rec := newRecorder()
	id := "crawl"
	started := make(chan struct{}, 2)
	slow := grid.Stage{Name: "A", Scope: grid.ScopeAll, Task: grid.NewTask("task-A", func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})}
	cleanup := rec.stage("cleanup", 0, nil)
	cleanup.Scope = grid.ScopeAll
	cleanup.Always = true
	p := mustPipeline(t, id, slow, cleanup)

	results := make(map[string]chan outcome, 2)
	for _, node := range []string{"b", "a"} {
		ch := make(chan outcome, 1)
		results[node] = ch
		go func() {
			ok, err := g.nodes[node].coordinator.Execute(context.Background(), p)
			ch <- outcome{ok, err}
		}()
		require.Eventually(t, func() bool { return g.nodes[node].worker.Registered(id) }, time.Second, time.Millisecond)
	}
	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("stage A did not start on every node")
		}
	}
	require.NoError(t, g.nodes["a"].coordinator.StopPipeline(context.Background(), &id))

	for _, node := range []string{"a", "b"} {
		select {
		case out := <-results[node]:
			require.NoError(t, out.err, node)
			require.False(t, out.ok, node)
		case <-time.After(3 * time.Second):
			t.Fatalf("node %s did not finish; registered=%v", node, g.nodes[node].worker.Registered(id))
		}
	}
	require.Equal(t, []string{"cleanup", "cleanup"}, rec.ran())
	done := g.events.ofKind(progress.PipelineDone)
	require.Len(t, done, 1)
	require.True(t, done[0].Stopped)
}

// TestAllNodesStageFailsOnUnregisteredNode checks a live member that never
// registered the pipeline fails the stage instead of stalling it.
func TestAllNodesStageFailsOnUnregisteredNode(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a", "b")
	rec := newRecorder()
	everywhere := rec.stage("broadcast", 0, nil)
	everywhere.Scope = grid.ScopeAll
	p := mustPipeline(t, "crawl", everywhere)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := g.nodes["a"].coordinator.Execute(ctx, p)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, ctx.Err())
	require.Equal(t, []string{"broadcast"}, rec.ran())

	failed := g.events.ofKind(progress.StageFailed)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Note, "pipeline crawl is not registered on node b")
}

func TestNonCoordinatorHonorsContext(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a", "b")
	p := mustPipeline(t, "crawl", newRecorder().stage("A", 0, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ok, err := g.nodes["b"].coordinator.Execute(ctx, p)
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, g.nodes["b"].worker.Registered("crawl"))
}

// TestNonCoordinatorTakesOver simulates a re-election while a node waits.
func TestNonCoordinatorTakesOver(t *testing.T) {
	t.Parallel()

	g := newTestGrid(t, "a", "b")
	rec := newRecorder()
	p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), rec.stage("B", 0, nil), rec.stage("C", 0, nil))
	require.NoError(t, g.store.PutStage(context.Background(), "crawl", grid.StagePointer{Index: 1, Stage: "B"}))

	result := make(chan outcome, 1)
	go func() {
		ok, err := g.nodes["b"].coordinator.Execute(context.Background(), p)
		result <- outcome{ok, err}
	}()
	require.Eventually(t, func() bool { return g.nodes["b"].worker.Registered("crawl") }, time.Second, time.Millisecond)
	g.cluster.SetCoordinator("b")

	select {
	case out := <-result:
		require.NoError(t, out.err)
		require.True(t, out.ok)
	case <-time.After(2 * time.Second):
		t.Fatal("new coordinator did not run the pipeline")
	}
	require.Equal(t, []string{"B", "C"}, rec.ran())
}

func TestExecuteRejectsInvalidPipelines(t *testing.T) {
	t.Parallel()

	noop := grid.NewTask("noop", func(context.Context) error { return nil })
	cases := []struct {
		name string
		p    *grid.Pipeline
		want error
	}{
		{"empty", &grid.Pipeline{ID: "p"}, grid.ErrEmptyPipeline},
		{"duplicate", &grid.Pipeline{ID: "p", Stages: []grid.Stage{{Name: "a", Task: noop}, {Name: "a", Task: noop}}}, grid.ErrDuplicateStage},
		{"no task", &grid.Pipeline{ID: "p", Stages: []grid.Stage{{Name: "a"}}}, grid.ErrInvalidStage},
		{"nil", nil, grid.ErrInvalidPipeline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ok, err := f.coordinator.Execute(context.Background(), tc.p)
			require.False(t, ok)
			require.ErrorIs(t, err, tc.want)
			var gridErr *grid.Error
			require.ErrorAs(t, err, &gridErr)
			require.Empty(t, f.dispatcher.doneCalls())
		})
	}
}

func TestExecuteSurfacesStopDispatchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dispatcher.stopErr = errors.New("bus down")
	p := mustPipeline(t, "crawl",
		grid.Stage{Name: "A", Task: grid.NewTask("task-A", func(context.Context) error {
			f.worker.stop.Store(true)
			deadline := time.Now().Add(2 * time.Second)
			for f.dispatcher.stopAttempts.Load() < 2 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			return nil
		})},
		grid.Stage{Name: "B", Task: grid.NewTask("task-B", func(context.Context) error { return nil })},
	)

	ok, err := f.coordinator.Execute(context.Background(), p)
	require.False(t, ok)
	require.ErrorIs(t, err, grid.ErrStopDispatch)
	require.ErrorContains(t, err, "bus down")
	require.Equal(t, []bool{false}, f.dispatcher.doneCalls())
	require.Equal(t, "task-A", f.dispatcher.firstStopTask())
}

func TestExecuteReturnsPersistenceErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.putErr = errors.New("disk full")
	p := mustPipeline(t, "crawl", newRecorder().stage("A", 0, nil))

	ok, err := f.coordinator.Execute(context.Background(), p)
	require.False(t, ok)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, []bool{false}, f.dispatcher.doneCalls())
	require.Len(t, f.events.ofKind(progress.PipelineError), 1)

	f.store.putErr = nil
	f.store.getErr = errors.New("unreachable")
	_, err = f.coordinator.Execute(context.Background(), p)
	require.ErrorContains(t, err, "unreachable")
	_, err = f.coordinator.ActiveStageIndex(context.Background(), "crawl")
	require.ErrorContains(t, err, "unreachable")
	_, err = f.coordinator.ActiveStageName(context.Background(), "crawl")
	require.ErrorContains(t, err, "unreachable")
}

func TestExecuteTreatsDispatchPanicAsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.compute.panicOn = "B"
	rec := newRecorder()
	cleanup := rec.stage("C", 0, nil)
	cleanup.Always = true
	p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), rec.stage("B", 0, nil), cleanup)

	ok, err := f.coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A", "C"}, rec.ran())
	failed := f.events.ofKind(progress.StageFailed)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Note, "dispatch panic")
	require.Equal(t, []bool{false}, f.dispatcher.doneCalls())
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gated := newRecorder().stage("B", 0, nil)
	gated.OnlyIf = func(context.Context) bool { return false }
	p := mustPipeline(t, "crawl", newRecorder().stage("A", 0, nil), gated)

	ok, err := f.coordinator.Execute(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	events := f.events.all()
	kinds := make([]progress.Kind, 0, len(events))
	for _, evt := range events {
		kinds = append(kinds, evt.Kind)
		require.Equal(t, "run-1", evt.RunID)
		require.Equal(t, "crawl", evt.PipelineID)
		require.Equal(t, "node-a", evt.NodeID)
		require.NoError(t, evt.Validate())
	}
	require.Equal(t, []progress.Kind{
		progress.PipelineStart,
		progress.StageStart,
		progress.StageDone,
		progress.StageSkipped,
		progress.PipelineDone,
	}, kinds)
	require.True(t, events[len(events)-1].Success)
	require.Equal(t, []bool{true}, f.dispatcher.doneCalls())
}

func TestExecuteRecordsSpans(t *testing.T) {
	t.Parallel()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t)
	f.deps.Tracer = tp.Tracer("test")
	coord, err := NewCoordinator(f.deps, Config{PollInterval: time.Millisecond, StopMonitorInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	rec := newRecorder()
	p := mustPipeline(t, "crawl", rec.stage("A", 0, nil), rec.stage("B", 0, errors.New("boom")))
	ok, err := coord.Execute(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)

	ended := spans.Ended()
	require.Len(t, ended, 3)
	require.Equal(t, "pipeline.stage", ended[0].Name())
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, "pipeline.stage", ended[1].Name())
	require.Equal(t, codes.Error, ended[1].Status().Code)

	root := ended[2]
	require.Equal(t, "pipeline.run", root.Name())
	require.Equal(t, codes.Error, root.Status().Code)
	for _, stage := range ended[:2] {
		require.Equal(t, root.SpanContext().SpanID(), stage.Parent().SpanID())
	}
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewCoordinator(Dependencies{}, Config{}, nil)
	require.ErrorContains(t, err, "elector")

	f := newFixture(t)
	deps := f.deps
	deps.Store = nil
	_, err = NewCoordinator(deps, Config{}, nil)
	require.ErrorContains(t, err, "stage store")
}

type outcome struct {
	ok  bool
	err error
}

func mustPipeline(t *testing.T, id string, stages ...grid.Stage) *grid.Pipeline {
	t.Helper()
	p, err := grid.NewPipeline(id, stages...)
	require.NoError(t, err)
	return p
}

// recorder tracks which stages ran and how many overlapped.
type recorder struct {
	mu            sync.Mutex
	order         []string
	active        atomic.Int32
	maxConcurrent atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

func (r *recorder) stage(name string, hold time.Duration, err error) grid.Stage {
	return grid.Stage{Name: name, Task: grid.NewTask("task-"+name, func(context.Context) error {
		n := r.active.Add(1)
		defer r.active.Add(-1)
		for {
			seen := r.maxConcurrent.Load()
			if n <= seen || r.maxConcurrent.CompareAndSwap(seen, n) {
				break
			}
		}
		r.record(name)
		time.Sleep(hold)
		return err
	})}
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) all() []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.events...)
}

func (l *eventLog) ofKind(kind progress.Kind) []progress.Event {
	var out []progress.Event
	for _, evt := range l.all() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// fixture wires a coordinator to fakes for failure paths.
type fixture struct {
	coordinator *Coordinator
	deps        Dependencies
	store       *fakeStore
	compute     *fakeCompute
	dispatcher  *fakeDispatcher
	worker      *fakeWorker
	events      *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      &fakeStore{inner: storagemem.NewStageStore()},
		compute:    &fakeCompute{},
		dispatcher: &fakeDispatcher{},
		worker:     &fakeWorker{},
		events:     &eventLog{},
	}
	f.deps = Dependencies{
		Elector:    fakeElector{},
		Store:      f.store,
		Compute:    f.compute,
		Dispatcher: f.dispatcher,
		Worker:     f.worker,
		Events:     f.events,
		IDs:        fixedID("run-1"),
		Clock:      system.New(),
	}
	coord, err := NewCoordinator(f.deps, Config{PollInterval: time.Millisecond, StopMonitorInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	f.coordinator = coord
	return f
}

// historyStore records every pointer written through it, oldest first.
type historyStore struct {
	*storagemem.StageStore

	mu     sync.Mutex
	writes map[string][]grid.StagePointer
}

func newHistoryStore() *historyStore {
	return &historyStore{
		StageStore: storagemem.NewStageStore(),
		writes:     make(map[string][]grid.StagePointer),
	}
}

func (s *historyStore) PutStage(ctx context.Context, pipelineID string, ptr grid.StagePointer) error {
	if err := s.StageStore.PutStage(ctx, pipelineID, ptr); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[pipelineID] = append(s.writes[pipelineID], ptr)
	return nil
}

func (s *historyStore) history(pipelineID string) []grid.StagePointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]grid.StagePointer(nil), s.writes[pipelineID]...)
}

type fakeElector struct{}

func (fakeElector) NodeID() string      { return "node-a" }
func (fakeElector) IsCoordinator() bool { return true }

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type fakeStore struct {
	inner  *storagemem.StageStore
	getErr error
	putErr error
}

func (s *fakeStore) GetStage(ctx context.Context, pipelineID string) (grid.StagePointer, bool, error) {
	if s.getErr != nil {
		return grid.StagePointer{}, false, s.getErr
	}
	return s.inner.GetStage(ctx, pipelineID)
}

func (s *fakeStore) PutStage(ctx context.Context, pipelineID string, ptr grid.StagePointer) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.inner.PutStage(ctx, pipelineID, ptr)
}

type fakeCompute struct {
	panicOn string
	stopOn  string
}

func (c *fakeCompute) ExecuteTask(ctx context.Context, _ string, stage grid.Stage) grid.TaskResult {
	if stage.Name == c.panicOn {
		panic("compute exploded")
	}
	if err := stage.Task.Execute(ctx); err != nil {
		return grid.TaskResult{State: grid.TaskFailed, Err: err}
	}
	if stage.Name == c.stopOn {
		return grid.TaskResult{State: grid.TaskStopped, Err: grid.ErrTaskStopped}
	}
	return grid.TaskResult{State: grid.TaskCompleted}
}

func (c *fakeCompute) StopTask(context.Context, string) error { return nil }

type fakeDispatcher struct {
	stopErr      error
	stopAttempts atomic.Int32

	mu        sync.Mutex
	stopTasks []string
	done      []bool
}

func (d *fakeDispatcher) StopTaskOnNodes(_ context.Context, taskID string) error {
	d.mu.Lock()
	d.stopTasks = append(d.stopTasks, taskID)
	d.mu.Unlock()
	d.stopAttempts.Add(1)
	return d.stopErr
}

func (d *fakeDispatcher) SetPipelineDoneOnNodes(_ context.Context, _ string, success bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = append(d.done, success)
	return nil
}

func (d *fakeDispatcher) StopPipeline(context.Context, *string) error { return nil }

func (d *fakeDispatcher) doneCalls() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.done...)
}

func (d *fakeDispatcher) firstStopTask() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stopTasks) == 0 {
		return ""
	}
	return d.stopTasks[0]
}

type fakeWorker struct {
	stop atomic.Bool
}

func (w *fakeWorker) IsPipelineDone(string) (bool, bool)  { return false, false }
func (w *fakeWorker) IsPipelineStopRequested(string) bool { return w.stop.Swap(false) }
func (w *fakeWorker) Register(*grid.Pipeline)             {}
func (w *fakeWorker) Unregister(string)                   {}
