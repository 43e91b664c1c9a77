package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/wa-lead-router/internal/app/bootstrap"
	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/tasks"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

type taskRunner interface {
	Run(ctx context.Context, name string) (tasks.Outcome, error)
}

// openRunner builds the full runtime. Tests replace it.
var openRunner = func(ctx context.Context) (taskRunner, func(), error) {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	rt, err := bootstrap.BuildRuntime(ctx, cfg, logging.New(cfg.LogLevel))
	if err != nil {
		return nil, nil, err
	}
	return rt.Tasks, rt.Close, nil
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Maintenance task commands",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskRunCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task names",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range tasks.NewRunner(tasks.Config{Logger: logging.Discard()}).Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newTaskRunCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run one task now and print its outcome as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			runner, closeFn, err := openRunner(ctx)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer closeFn()

			out, runErr := runner.Run(ctx, args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline including startup")
	return cmd
}
