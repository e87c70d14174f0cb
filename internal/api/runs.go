package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runsTimeout     = 3 * time.Second
)

// runHandler exposes read-only run history endpoints.
type runHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

func newRunHandler(repo store.RunRepository, logger *zap.Logger) *runHandler {
	return &runHandler{repo: repo, timeout: runsTimeout, logger: logger}
}

// listRuns handles GET /v1/pipelines/{pipeline_id}/runs?limit=&offset=. It
// returns {"runs": [...]} newest first, 400 for invalid paging, or 503 when no
// run history is configured.
func (h *runHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	pipelineID := chi.URLParam(r, "pipeline_id")
	runs, err := h.repo.ListRuns(ctx, pipelineID, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.String("pipeline_id", pipelineID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// getRun handles GET /v1/runs/{run_id}. It returns {"run": {...},
// "stages": [...]} or 404 when the repository reports store.ErrNotFound.
func (h *runHandler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runID := chi.URLParam(r, "run_id")
	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	stages, err := h.repo.ListStages(ctx, runID)
	if err != nil {
		h.logger.Error("list stages failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run stages")
		return
	}
	out := make([]stageRunDTO, 0, len(stages))
	for _, s := range stages {
		out = append(out, stageRunDTO{
			Stage:      s.Stage,
			StageIndex: s.StageIndex,
			Outcome:    string(s.Outcome),
			DurationMS: s.Duration.Milliseconds(),
			At:         s.At,
			Error:      s.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run), "stages": out})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTO(run store.PipelineRun) runDTO {
	return runDTO{
		ID:         run.ID,
		PipelineID: run.PipelineID,
		NodeID:     run.NodeID,
		StartIndex: run.StartIndex,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

type runDTO struct {
	ID         string     `json:"id"`
	PipelineID string     `json:"pipeline_id"`
	NodeID     string     `json:"node_id"`
	StartIndex int        `json:"start_index"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type stageRunDTO struct {
	Stage      string    `json:"stage"`
	StageIndex int       `json:"stage_index"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
	Error      *string   `json:"error,omitempty"`
}
