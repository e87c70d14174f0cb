package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlgrid/internal/store"
)

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool pool
}

// NewRunStore wraps an existing pool.
func NewRunStore(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// StartRun inserts a run row.
func (s *RunStore) StartRun(ctx context.Context, run store.PipelineRun) error {
	const query = `
		INSERT INTO pipeline_runs (id, pipeline_id, node_id, started_at, start_index, status)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	status := run.Status
	if status == "" {
		status = store.RunRunning
	}
	_, err := s.pool.Exec(ctx, query, run.ID, run.PipelineID, run.NodeID, run.StartedAt, run.StartIndex, string(status))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const query = `
		UPDATE pipeline_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordStage appends a stage row.
func (s *RunStore) RecordStage(ctx context.Context, rec store.StageRun) error {
	const query = `
		INSERT INTO stage_runs (run_id, stage, stage_index, outcome, duration_ms, at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RunID, rec.Stage, rec.StageIndex, string(rec.Outcome), rec.Duration.Milliseconds(), rec.At, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to insert stage run: %w", err)
	}
	return nil
}

const runColumns = `id, pipeline_id, node_id, started_at, start_index, finished_at, status, error_message`

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (store.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PipelineRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.PipelineRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a pipeline's runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, pipelineID string, limit, offset int) ([]store.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE pipeline_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		pipelineID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]store.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListStages returns the stage rows of a run in stage order.
func (s *RunStore) ListStages(ctx context.Context, runID string) ([]store.StageRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, stage, stage_index, outcome, duration_ms, at, error_message
		FROM stage_runs WHERE run_id = $1 ORDER BY stage_index, at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs: %w", err)
	}
	defer rows.Close()

	out := make([]store.StageRun, 0)
	for rows.Next() {
		var (
			rec        store.StageRun
			outcome    string
			durationMs int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.StageIndex, &outcome, &durationMs, &rec.At, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		rec.Outcome = store.StageOutcome(outcome)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage runs: %w", err)
	}
	return out, nil
}

// Close closes the underlying pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

func scanRun(row pgx.Row) (store.PipelineRun, error) {
	var (
		run    store.PipelineRun
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.PipelineID,
		&run.NodeID,
		&run.StartedAt,
		&run.StartIndex,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	); err != nil {
		return store.PipelineRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
