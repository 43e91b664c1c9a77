package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/wa-lead-router/internal/app/bootstrap"
	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/tasks"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// runner is the slice of tasks.Runner the handler needs.
type runner interface {
	Run(ctx context.Context, name string) (tasks.Outcome, error)
}

// detail is the EventBridge rule input. Rules may also leave it empty and
// rely on TASK_NAME for single-purpose functions.
type detail struct {
	Task string `json:"task"`
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	// Built once per container so warm invocations reuse the pool.
	rt, err := bootstrap.BuildRuntime(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defaultTask := strings.TrimSpace(os.Getenv("TASK_NAME"))
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (tasks.Outcome, error) {
		return handle(ctx, rt.Tasks, defaultTask, evt, logger)
	})
}

func handle(ctx context.Context, r runner, defaultTask string, evt events.CloudWatchEvent, logger *logging.Logger) (tasks.Outcome, error) {
	name, err := taskName(evt, defaultTask)
	if err != nil {
		return tasks.Outcome{}, err
	}
	out, err := r.Run(ctx, name)
	if err != nil {
		logger.Error("scheduled task failed", "task", name, "event_id", evt.ID, "error", err)
		return out, err
	}
	logger.Info("scheduled task finished", "task", name, "event_id", evt.ID, "duration_ms", out.DurationMS)
	return out, nil
}

func taskName(evt events.CloudWatchEvent, defaultTask string) (string, error) {
	if len(evt.Detail) > 0 && string(evt.Detail) != "null" {
		var d detail
		if err := json.Unmarshal(evt.Detail, &d); err != nil {
			return "", fmt.Errorf("decode event detail: %w", err)
		}
		if t := strings.TrimSpace(d.Task); t != "" {
			return t, nil
		}
	}
	if defaultTask == "" {
		return "", errors.New("no task in event detail and TASK_NAME unset")
	}
	return defaultTask, nil
}
