// Package scheduler runs maintenance tasks in-process on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/tasks"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// TaskRunner executes a named task.
type TaskRunner interface {
	Run(ctx context.Context, name string) (tasks.Outcome, error)
}

// Schedules maps task names to cron specs ("@every 30s", "*/5 * * * *").
type Schedules map[string]string

// FromConfig builds the default schedule set. Empty specs disable a task.
func FromConfig(cfg *config.Config) Schedules {
	return Schedules{
		tasks.QueueTick:          cfg.TickSchedule,
		tasks.ConversationsSweep: cfg.SweepSchedule,
		tasks.DeliveryCheck:      cfg.DeliverySchedule,
		tasks.QueueReap:          cfg.ReapSchedule,
		tasks.RetryNotifications: cfg.RetrySchedule,
		tasks.QueuePurge:         cfg.PurgeSchedule,
		tasks.EventsPublish:      cfg.PublishSchedule,
	}
}

// Scheduler wraps a cron instance. A task whose previous run is still going
// is skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	runner TaskRunner
	logger *logging.Logger
	ctx    context.Context
}

func New(runner TaskRunner, schedules Schedules, logger *logging.Logger) (*Scheduler, error) {
	logger = logging.OrDefault(logger).Component("scheduler")
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: logger,
		ctx:    context.Background(),
	}

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := schedules[name]
		if spec == "" {
			logger.Info("task disabled", "task", name)
			continue
		}
		if _, err := s.cron.AddJob(spec, s.job(name)); err != nil {
			return nil, fmt.Errorf("scheduler: %s %q: %w", name, spec, err)
		}
	}
	return s, nil
}

// Len reports how many tasks are scheduled.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight tasks to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", s.Len())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) job(name string) cron.Job {
	return cron.FuncJob(func() {
		// Runner errors are already logged and counted.
		_, _ = s.runner.Run(s.ctx, name)
	})
}

type cronLogger struct {
	logger *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(msg, append(keysAndValues, "error", err)...)
}
