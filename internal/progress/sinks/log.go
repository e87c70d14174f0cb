package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("pipeline_id", evt.PipelineID),
			zap.String("node_id", evt.NodeID),
			zap.String("kind", string(evt.Kind)),
		}
		switch evt.Kind {
		case progress.PipelineStart:
			fields = append(fields, zap.Int("start_index", evt.StageIndex))
		case progress.PipelineDone:
			fields = append(fields,
				zap.Bool("success", evt.Success),
				zap.Bool("stopped", evt.Stopped),
				zap.Duration("dur", evt.Dur),
			)
		case progress.PipelineError:
		default:
			fields = append(fields,
				zap.String("stage", evt.Stage),
				zap.Int("stage_index", evt.StageIndex),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
