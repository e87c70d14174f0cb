package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
	"github.com/JakeFAU/crawlgrid/internal/store"
)

// Coordinator is the slice of pipeline.Coordinator the API drives.
type Coordinator interface {
	ActiveStageIndex(ctx context.Context, pipelineID string) (int, error)
	ActiveStageName(ctx context.Context, pipelineID string) (string, error)
	StopPipeline(ctx context.Context, pipelineID *string) error
}

// Launcher starts configured pipelines on this node.
type Launcher interface {
	Launch(pipelineID string) error
	Running(pipelineID string) bool
	Pipelines() []string
}

// Deps groups the collaborators behind the HTTP surface. Runs, Metrics,
// Gatherer and Ready are optional.
type Deps struct {
	Coordinator Coordinator
	Runner      Launcher
	Runs        store.RunRepository
	Metrics     *metrics.HTTP
	Gatherer    prometheus.Gatherer
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the coordinator and run history.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	runs := newRunHandler(deps.Runs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(otelhttp.NewMiddleware("crawlgrid-api"))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.listPipelines)
			r.Post("/stop", s.stopAll)
			r.Route("/{pipeline_id}", func(r chi.Router) {
				r.Get("/stage", s.getStage)
				r.Post("/run", s.runPipeline)
				r.Post("/stop", s.stopPipeline)
				r.Get("/runs", runs.listRuns)
			})
		})
		r.Get("/runs/{run_id}", runs.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
