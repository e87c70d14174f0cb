package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawlgrid/internal/store"
)

// RunStore keeps pipeline run history in memory.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]store.PipelineRun
	stages map[string][]store.StageRun
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[string]store.PipelineRun),
		stages: make(map[string][]store.StageRun),
	}
}

// StartRun stores a new run.
func (s *RunStore) StartRun(_ context.Context, run store.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	if run.Status == "" {
		run.Status = store.RunRunning
	}
	s.runs[run.ID] = run
	return nil
}

// FinishRun sets the final status of a run.
func (s *RunStore) FinishRun(
	_ context.Context,
	runID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// RecordStage appends a stage record.
func (s *RunStore) RecordStage(_ context.Context, rec store.StageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return store.ErrNotFound
	}
	s.stages[rec.RunID] = append(s.stages[rec.RunID], rec)
	return nil
}

// GetRun returns a run by id.
func (s *RunStore) GetRun(_ context.Context, runID string) (store.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.PipelineRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns the pipeline's runs newest first.
func (s *RunStore) ListRuns(_ context.Context, pipelineID string, limit, offset int) ([]store.PipelineRun, error) {
	s.mu.RLock()
	out := make([]store.PipelineRun, 0)
	for _, run := range s.runs {
		if run.PipelineID == pipelineID {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.PipelineRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListStages returns a copy of the run's stage records sorted by index.
func (s *RunStore) ListStages(_ context.Context, runID string) ([]store.StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, store.ErrNotFound
	}
	out := append([]store.StageRun(nil), s.stages[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StageIndex < out[j].StageIndex })
	return out, nil
}
