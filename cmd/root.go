// Package cmd defines the crawlgrid CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/app"
	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines what the commands use, so tests can inject a fake.
type App interface {
	Serve(ctx context.Context, launch []string) error
	RunOnce(ctx context.Context, pipelineID string) (bool, error)
	Stop(ctx context.Context, pipelineID *string) error
	Status(ctx context.Context, pipelineID string) (int, string, error)
	Close(ctx context.Context)
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd builds the command tree. The returned func closes the App built
// by the pre-run hook, if any; cobra skips post-run hooks when RunE fails.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile     string
		appInstance App
	)
	cmd := &cobra.Command{
		Use:   "crawlgrid",
		Short: "Coordinate staged pipelines across a grid of nodes.",
		Long: `crawlgrid runs ordered, resumable pipelines on a grid. Every node runs the
same pipeline; the elected coordinator drives the stages, persists a stage
pointer for resume, and broadcasts stop and completion signals.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			appInstance = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd(), newRunCmd(), newStopCmd(), newStatusCmd())

	closeApp := func() {
		if appInstance == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appInstance.Close(ctx)
		appInstance = nil
	}
	return cmd, closeApp
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	stop()
	_ = zap.L().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
