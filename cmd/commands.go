package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ErrPipelineFailed is returned by run when the pipeline did not succeed.
var ErrPipelineFailed = errors.New("pipeline did not complete successfully")

func newServeCmd() *cobra.Command {
	var launch []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this node and its HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Serve(cmd.Context(), launch); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&launch, "run", nil, "pipelines to start once the node is up")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Execute a configured pipeline once on the grid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := a.RunOnce(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if !ok {
				return fmt.Errorf("run %s: %w", args[0], ErrPipelineFailed)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s completed\n", args[0])
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [pipeline]",
		Short: "Broadcast a stop request; with no pipeline, stop every pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var target *string
			if len(args) == 1 {
				target = &args[0]
			}
			if err := a.Stop(cmd.Context(), target); err != nil {
				return err
			}
			if target == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "stop requested for all pipelines")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", *target)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <pipeline>",
		Short: "Print the persisted active stage of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			index, name, err := a.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if index < 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not running\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stage %d (%s)\n", args[0], index, name)
			return nil
		},
	}
}
