package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func TestResolveDirectives(t *testing.T) {
	t.Parallel()

	never := func(context.Context) bool { return false }
	always := func(context.Context) bool { return true }

	cases := []struct {
		name     string
		stage    grid.Stage
		current  int
		start    int
		upstream bool
		stopped  bool
		want     directives
	}{
		{name: "plain stage runs", want: directives{markActive: true}},
		{name: "only_if true runs", stage: grid.Stage{OnlyIf: always}, want: directives{markActive: true}},
		{
			name:    "stop skips",
			stopped: true,
			want:    directives{skip: true, reason: reasonStopped},
		},
		{
			name:    "stop runs always stage off the books",
			stage:   grid.Stage{Always: true},
			stopped: true,
			want:    directives{reason: reasonStopped},
		},
		{
			name:    "before resume point skips",
			current: 0,
			start:   1,
			want:    directives{skip: true, reason: reasonAlreadyRan},
		},
		{
			name:    "before resume point runs always stage off the books",
			stage:   grid.Stage{Always: true},
			current: 0,
			start:   1,
			want:    directives{reason: reasonAlreadyRan},
		},
		{
			name:     "upstream failure skips",
			current:  1,
			upstream: true,
			want:     directives{skip: true, reason: reasonUpstreamFail},
		},
		{
			name:     "upstream failure runs always stage off the books",
			stage:    grid.Stage{Always: true},
			current:  1,
			upstream: true,
			want:     directives{reason: reasonUpstreamFail},
		},
		{
			name:  "only_if false skips but marks active",
			stage: grid.Stage{OnlyIf: never},
			want:  directives{skip: true, markActive: true, reason: reasonOnlyIf},
		},
		{
			name:  "only_if false applies to always stages",
			stage: grid.Stage{Always: true, OnlyIf: never},
			want:  directives{skip: true, markActive: true, reason: reasonOnlyIf},
		},
		{
			name:     "stop wins over upstream failure",
			current:  1,
			upstream: true,
			stopped:  true,
			want:     directives{skip: true, reason: reasonStopped},
		},
		{
			name:    "resume point wins over only_if",
			stage:   grid.Stage{OnlyIf: never},
			current: 0,
			start:   1,
			want:    directives{skip: true, reason: reasonAlreadyRan},
		},
		{
			name:  "always stage at resume point is marked active",
			stage: grid.Stage{Always: true},
			want:  directives{markActive: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stage := tc.stage
			stage.Name = "s"
			stage.Task = grid.NewTask("t", func(context.Context) error { return nil })
			stages := []grid.Stage{
				{Name: "first", Task: grid.NewTask("t0", func(context.Context) error { return nil })},
				{Name: "second", Task: grid.NewTask("t1", func(context.Context) error { return nil })},
			}
			stages[tc.current] = stage

			ex := newExecution(&grid.Pipeline{ID: "p", Stages: stages}, "run", time.Time{})
			ex.current = tc.current
			ex.start = tc.start
			if tc.upstream {
				ex.failed = 0
			}
			ex.stopRequested.Store(tc.stopped)

			require.Equal(t, tc.want, resolveDirectives(context.Background(), ex))
		})
	}
}
