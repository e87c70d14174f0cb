package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// StageStore persists stage pointers in pipeline_stages.
type StageStore struct {
	pool pool
}

// NewStageStore wraps an existing pool (a *pgxpool.Pool or a pgxmock pool).
func NewStageStore(p pool) (*StageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StageStore{pool: p}, nil
}

// GetStage loads the pointer for a pipeline.
func (s *StageStore) GetStage(ctx context.Context, pipelineID string) (grid.StagePointer, bool, error) {
	const query = `SELECT stage_index, stage_name FROM pipeline_stages WHERE pipeline_id = $1`
	var (
		index int
		name  string
	)
	err := s.pool.QueryRow(ctx, query, pipelineID).Scan(&index, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return grid.StagePointer{}, false, nil
	}
	if err != nil {
		return grid.StagePointer{}, false, fmt.Errorf("get stage pointer: %w", err)
	}
	return grid.StagePointer{Index: index, Stage: name}, true, nil
}

// PutStage upserts the pointer for a pipeline.
func (s *StageStore) PutStage(ctx context.Context, pipelineID string, ptr grid.StagePointer) error {
	const query = `
		INSERT INTO pipeline_stages (pipeline_id, stage_index, stage_name, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (pipeline_id) DO UPDATE
		SET stage_index = EXCLUDED.stage_index,
			stage_name = EXCLUDED.stage_name,
			updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.pool.Exec(ctx, query, pipelineID, ptr.Index, ptr.Stage); err != nil {
		return fmt.Errorf("put stage pointer: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *StageStore) Close() {
	s.pool.Close()
}
