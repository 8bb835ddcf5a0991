package serve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	vega "github.com/everydev1618/vegatree"
)

// TaskLister lists tasks and heals stuck pauses as a side effect.
// *vega.Orchestrator satisfies it.
type TaskLister interface {
	ListTasks(ctx context.Context) ([]*vega.Task, error)
}

// Janitor runs a cron job that lists every task, so a task left in
// pausing with no live agents is moved to paused even when nobody asks
// for it.
type Janitor struct {
	c      *cron.Cron
	tasks  TaskLister
	logger *slog.Logger

	mu      sync.Mutex
	runs    int
	lastRun time.Time
	lastErr error
}

// NewJanitor creates a Janitor firing on schedule (standard cron spec or
// a descriptor such as "@every 1m").
func NewJanitor(tasks TaskLister, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		c:      cron.New(),
		tasks:  tasks,
		logger: logger,
	}
	if _, err := j.c.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.c.Start()
	j.logger.Info("janitor started")
	<-ctx.Done()
	<-j.c.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunOnce performs one sweep.
func (j *Janitor) RunOnce(ctx context.Context) {
	tasks, err := j.tasks.ListTasks(ctx)

	j.mu.Lock()
	j.runs++
	j.lastRun = time.Now()
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		j.logger.Warn("janitor: sweep failed", "error", err)
		return
	}
	j.logger.Debug("janitor: sweep done", "tasks", len(tasks))
}

// Runs returns how many sweeps ran and the error of the last one.
func (j *Janitor) Runs() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs, j.lastErr
}
