package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/pipeline"
)

type pipelineDTO struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
}

type stageDTO struct {
	PipelineID string `json:"pipeline_id"`
	StageIndex int    `json:"stage_index"`
	Stage      string `json:"stage,omitempty"`
	Running    bool   `json:"running"`
}

func (s *Server) listPipelines(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Runner.Pipelines()
	out := make([]pipelineDTO, 0, len(ids))
	for _, id := range ids {
		out = append(out, pipelineDTO{ID: id, Running: s.deps.Runner.Running(id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

// getStage reports the persisted pointer; -1 means the pipeline is not
// running or has completed.
func (s *Server) getStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipeline_id")
	index, err := s.deps.Coordinator.ActiveStageIndex(r.Context(), id)
	if err != nil {
		s.logger.Error("read active stage failed", zap.String("pipeline_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read active stage")
		return
	}
	name, err := s.deps.Coordinator.ActiveStageName(r.Context(), id)
	if err != nil {
		s.logger.Error("read active stage failed", zap.String("pipeline_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read active stage")
		return
	}
	writeJSON(w, http.StatusOK, stageDTO{
		PipelineID: id,
		StageIndex: index,
		Stage:      name,
		Running:    s.deps.Runner.Running(id),
	})
}

func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipeline_id")
	err := s.deps.Runner.Launch(id)
	switch {
	case errors.Is(err, pipeline.ErrUnknownPipeline):
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "pipeline already running")
		return
	case err != nil:
		s.logger.Error("launch pipeline failed", zap.String("pipeline_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to launch pipeline")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pipeline_id": id, "status": "started"})
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipeline_id")
	if err := s.deps.Coordinator.StopPipeline(r.Context(), &id); err != nil {
		s.logger.Error("stop pipeline failed", zap.String("pipeline_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to broadcast stop")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pipeline_id": id, "status": "stop_requested"})
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.StopPipeline(r.Context(), nil); err != nil {
		s.logger.Error("stop all pipelines failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to broadcast stop")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop_requested"})
}
