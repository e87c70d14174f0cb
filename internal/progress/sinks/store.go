package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/progress"
	"github.com/JakeFAU/crawlgrid/internal/store"
)

// StoreSink persists run history via a store.RunRepository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events to the repository in order. STAGE_START
// events carry nothing worth persisting and are ignored.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	switch evt.Kind {
	case progress.PipelineStart:
		run := store.PipelineRun{
			ID:         evt.RunID,
			PipelineID: evt.PipelineID,
			NodeID:     evt.NodeID,
			StartedAt:  evt.TS,
			StartIndex: evt.StageIndex,
			Status:     store.RunRunning,
		}
		if err := s.repo.StartRun(ctx, run); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	case progress.PipelineDone, progress.PipelineError:
		if err := s.repo.FinishRun(ctx, evt.RunID, evt.TS, runStatus(evt), note(evt)); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	case progress.StageDone, progress.StageFailed, progress.StageSkipped:
		rec := store.StageRun{
			RunID:      evt.RunID,
			Stage:      evt.Stage,
			StageIndex: evt.StageIndex,
			Outcome:    stageOutcome(evt.Kind),
			Duration:   evt.Dur,
			At:         evt.TS,
			Error:      note(evt),
		}
		if err := s.repo.RecordStage(ctx, rec); err != nil {
			return fmt.Errorf("record stage: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func runStatus(evt progress.Event) store.RunStatus {
	switch evt.Result() {
	case "error":
		return store.RunError
	case "stopped":
		return store.RunStopped
	case "success":
		return store.RunSuccess
	default:
		return store.RunFailed
	}
}

func stageOutcome(kind progress.Kind) store.StageOutcome {
	switch kind {
	case progress.StageFailed:
		return store.StageFailed
	case progress.StageSkipped:
		return store.StageSkipped
	default:
		return store.StageCompleted
	}
}

func note(evt progress.Event) *string {
	if evt.Note == "" {
		return nil
	}
	n := evt.Note
	return &n
}
