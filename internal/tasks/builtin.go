package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func newLogTask(spec Spec, env Env) (grid.Task, error) {
	message := spec.Args["message"]
	if message == "" {
		message = "stage reached"
	}
	logger := env.logger().Named("task").With(
		zap.String("pipeline_id", spec.PipelineID),
		zap.String("stage", spec.Stage),
	)
	return grid.NewTask(spec.TaskID(), func(context.Context) error {
		logger.Info(message)
		return nil
	}), nil
}

func newSleepTask(spec Spec, _ Env) (grid.Task, error) {
	raw := spec.Args["duration"]
	if raw == "" {
		return nil, errors.New("sleep task requires args.duration")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("parse duration: %w", err)
	}
	if d < 0 {
		return nil, fmt.Errorf("duration must be >= 0, got %s", d)
	}
	return grid.NewTask(spec.TaskID(), func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("sleep interrupted: %w", ctx.Err())
		}
	}), nil
}

func newFailTask(spec Spec, _ Env) (grid.Task, error) {
	message := spec.Args["message"]
	if message == "" {
		message = "configured failure"
	}
	return grid.NewTask(spec.TaskID(), func(context.Context) error {
		return errors.New(message)
	}), nil
}
