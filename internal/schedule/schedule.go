// Package schedule drives periodic monitor work from outside the core.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a job run every Interval. A task with a non-positive interval is
// disabled.
type Task struct {
	Name     string
	Interval time.Duration
	// Immediate runs the task once before the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler runs tasks on independent tickers. A tick that fires while the
// previous run of the same task is still going is dropped.
type Scheduler struct {
	tasks  []Task
	logger *slog.Logger
}

// New creates a scheduler for tasks.
func New(logger *slog.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, logger: logger.With("component", "schedule")}
}

// Run blocks until ctx is done. Task errors are logged and never stop the
// schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			s.logger.Debug("task disabled", "task", t.Name)
			continue
		}
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	s.logger.Info("task scheduled", "task", t.Name, "interval", t.Interval)
	if t.Immediate {
		s.runOnce(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	err := t.Run(ctx)
	switch {
	case err == nil:
		s.logger.Debug("task done", "task", t.Name, "duration", time.Since(start))
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	default:
		s.logger.Warn("task failed", "task", t.Name, "err", err)
	}
}
