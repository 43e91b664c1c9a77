package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/processor"
	"github.com/wolfman30/wa-lead-router/internal/qualification"
	"github.com/wolfman30/wa-lead-router/internal/queue"
	"github.com/wolfman30/wa-lead-router/internal/transfer"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Task names accepted by Run.
const (
	QueueTick          = "queue.tick"
	ConversationsSweep = "conversations.sweep"
	DeliveryCheck      = "delivery.check"
	QueueReap          = "queue.reap"
	RetryNotifications = "leads.retry_notifications"
	QueuePurge         = "queue.purge"
	EventsPublish      = "events.publish"
)

// ErrUnknownTask is returned for names not in the registry.
var ErrUnknownTask = errors.New("tasks: unknown task")

// ErrNotWired is returned when a task's component was not configured.
var ErrNotWired = errors.New("tasks: component not configured")

type Ticker interface {
	Tick(ctx context.Context) (processor.Result, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (qualification.SweepResult, error)
}

type DeliveryChecker interface {
	CheckPending(ctx context.Context) (delivery.CheckResult, error)
}

type Reaper interface {
	Reap(ctx context.Context) (queue.ReapResult, error)
}

type NotificationRetrier interface {
	RetryDueNotifications(ctx context.Context) (transfer.RetryResult, error)
}

type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

type Publisher interface {
	Drain(ctx context.Context) (int, error)
}

// Config wires the runner. Nil components make their task fail with ErrNotWired.
type Config struct {
	Processor      Ticker
	Sweeper        Sweeper
	Delivery       DeliveryChecker
	Reaper         Reaper
	Notifications  NotificationRetrier
	Queue          Purger
	Processed      Purger
	Publisher      Publisher
	QueueRetention time.Duration
	Timeout        time.Duration
	Metrics        *metrics.RouterMetrics
	Logger         *logging.Logger
}

// Outcome is what one task run reports back to the caller.
type Outcome struct {
	Task       string `json:"task"`
	Result     any    `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type taskFunc func(ctx context.Context) (any, error)

// Runner executes named maintenance tasks, each under a wall-clock budget.
// Both the in-process scheduler and the HTTP task endpoint go through it.
type Runner struct {
	tasks   map[string]taskFunc
	timeout time.Duration
	metrics *metrics.RouterMetrics
	logger  *logging.Logger
}

func NewRunner(cfg Config) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 50 * time.Second
	}
	retention := cfg.QueueRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	r := &Runner{
		timeout: timeout,
		metrics: cfg.Metrics,
		logger:  logging.OrDefault(cfg.Logger).Component("tasks"),
	}
	r.tasks = map[string]taskFunc{
		QueueTick: func(ctx context.Context) (any, error) {
			if cfg.Processor == nil {
				return nil, ErrNotWired
			}
			return cfg.Processor.Tick(ctx)
		},
		ConversationsSweep: func(ctx context.Context) (any, error) {
			if cfg.Sweeper == nil {
				return nil, ErrNotWired
			}
			return cfg.Sweeper.Sweep(ctx)
		},
		DeliveryCheck: func(ctx context.Context) (any, error) {
			if cfg.Delivery == nil {
				return nil, ErrNotWired
			}
			return cfg.Delivery.CheckPending(ctx)
		},
		QueueReap: func(ctx context.Context) (any, error) {
			if cfg.Reaper == nil {
				return nil, ErrNotWired
			}
			return cfg.Reaper.Reap(ctx)
		},
		RetryNotifications: func(ctx context.Context) (any, error) {
			if cfg.Notifications == nil {
				return nil, ErrNotWired
			}
			return cfg.Notifications.RetryDueNotifications(ctx)
		},
		QueuePurge: func(ctx context.Context) (any, error) {
			if cfg.Queue == nil {
				return nil, ErrNotWired
			}
			n, err := cfg.Queue.Purge(ctx, retention)
			counts := map[string]int64{"purged": n}
			if err != nil || cfg.Processed == nil {
				return counts, err
			}
			m, err := cfg.Processed.Purge(ctx, retention)
			counts["processed_events"] = m
			return counts, err
		},
		EventsPublish: func(ctx context.Context) (any, error) {
			if cfg.Publisher == nil {
				return nil, ErrNotWired
			}
			n, err := cfg.Publisher.Drain(ctx)
			return map[string]int{"published": n}, err
		},
	}
	return r
}

// Names lists the registered tasks in a stable order.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one task. The result is returned even when the task also
// reports an error, so callers can log partial progress.
func (r *Runner) Run(ctx context.Context, name string) (Outcome, error) {
	out := Outcome{Task: name}
	fn, ok := r.tasks[name]
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)
	out.DurationMS = elapsed.Milliseconds()
	out.Result = result

	switch {
	case err == nil:
		r.metrics.ObserveTask(name, "ok")
		r.logger.Debug("task finished", "task", name, "duration", elapsed, "result", result)
	case errors.Is(err, context.DeadlineExceeded):
		r.metrics.ObserveTask(name, "timeout")
		r.logger.Warn("task ran out of time", "task", name, "duration", elapsed)
	default:
		r.metrics.ObserveTask(name, "error")
		r.logger.Error("task failed", "task", name, "error", err)
	}
	if err != nil {
		return out, fmt.Errorf("tasks: %s: %w", name, err)
	}
	return out, nil
}
