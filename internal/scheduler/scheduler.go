package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"circulation/internal/obs"
)

// Task is a periodic job body
type Task interface {
	Name() string
	RunOnce(ctx context.Context) error
}

type entry struct {
	task     Task
	interval time.Duration
}

// Scheduler runs each registered task on its own ticker
type Scheduler struct {
	entries []entry
	logger  *zap.Logger
	metrics *obs.Metrics
}

// New creates an empty scheduler
func New(logger *zap.Logger, metrics *obs.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger, metrics: metrics}
}

// Add registers a task. Tasks with a non-positive interval are skipped.
func (s *Scheduler) Add(task Task, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("Task disabled", zap.String("task", task.Name()))
		return
	}
	s.entries = append(s.entries, entry{task: task, interval: interval})
}

// Run starts every task and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	t := time.NewTicker(e.interval)
	defer t.Stop()

	s.logger.Info("Task scheduled",
		zap.String("task", e.task.Name()),
		zap.Duration("interval", e.interval),
	)

	// Run once immediately
	s.RunNow(ctx, e.task)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunNow(ctx, e.task)
		}
	}
}

// RunNow runs a task once, logging and counting the outcome
func (s *Scheduler) RunNow(ctx context.Context, task Task) error {
	start := time.Now()
	err := task.RunOnce(ctx)

	result := "ok"
	if err != nil {
		result = "error"
		if ctx.Err() == nil {
			s.logger.Error("Task failed",
				zap.Error(err),
				zap.String("task", task.Name()),
				zap.Duration("took", time.Since(start)),
			)
		}
	}
	if s.metrics != nil {
		s.metrics.JobRunsTotal.WithLabelValues(task.Name(), result).Inc()
	}
	return err
}
