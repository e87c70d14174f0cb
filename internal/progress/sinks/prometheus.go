package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlgrid/internal/progress"
)

// PrometheusSink exports pipeline progress via Prometheus collectors.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgrid_pipeline_runs_started_total",
			Help: "Pipeline runs started by this coordinator.",
		}, []string{"pipeline"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgrid_pipeline_runs_completed_total",
			Help: "Pipeline runs finished partitioned by result.",
		}, []string{"pipeline", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlgrid_pipeline_runs_running",
			Help: "Pipeline runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlgrid_pipeline_run_duration_seconds",
			Help:    "Wall time per finished pipeline run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"pipeline", "result"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgrid_stages_total",
			Help: "Stage dispositions partitioned by pipeline, stage and outcome.",
		}, []string{"pipeline", "stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlgrid_stage_duration_seconds",
			Help:    "Execution time of dispatched stages.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"pipeline", "stage"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.stages,
		s.stageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates counters, gauges and histograms for the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.PipelineStart:
			s.runsStarted.WithLabelValues(evt.PipelineID).Inc()
			if s.track(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.PipelineDone, progress.PipelineError:
			result := evt.Result()
			s.runsCompleted.WithLabelValues(evt.PipelineID, result).Inc()
			if evt.Kind == progress.PipelineDone {
				s.runDuration.WithLabelValues(evt.PipelineID, result).Observe(evt.Dur.Seconds())
			}
			if s.untrack(evt.RunID) {
				s.runsRunning.Dec()
			}
		case progress.StageDone:
			s.stages.WithLabelValues(evt.PipelineID, evt.Stage, "completed").Inc()
			s.stageDuration.WithLabelValues(evt.PipelineID, evt.Stage).Observe(evt.Dur.Seconds())
		case progress.StageFailed:
			s.stages.WithLabelValues(evt.PipelineID, evt.Stage, "failed").Inc()
			s.stageDuration.WithLabelValues(evt.PipelineID, evt.Stage).Observe(evt.Dur.Seconds())
		case progress.StageSkipped:
			s.stages.WithLabelValues(evt.PipelineID, evt.Stage, "skipped").Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func (s *PrometheusSink) track(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[runID]; ok {
		return false
	}
	s.running[runID] = struct{}{}
	return true
}

func (s *PrometheusSink) untrack(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[runID]; !ok {
		return false
	}
	delete(s.running, runID)
	return true
}
