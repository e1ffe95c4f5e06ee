// Package scheduler runs the background maintenance tasks on a single
// cooperative loop. Tasks never run concurrently with each other, so they
// can assume exclusive use of the claim leases they take out.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"librarian-go/internal/librarian"
)

// ErrCancelTask unschedules the task that returns it. Used when a task
// discovers its configuration no longer makes sense, e.g. its store was
// removed.
var ErrCancelTask = errors.New("cancel this task")

var (
	taskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_task_runs_total",
		Help: "Background task runs by task name and result.",
	}, []string{"task", "result"})

	taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "librarian_task_duration_seconds",
		Help:    "Background task run duration in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
	}, []string{"task"})
)

// Task is one recurring unit of background work. Run receives a soft
// deadline; tasks iterating over many items should stop starting new items
// once it passes, and pick up where they left off on the next run.
type Task interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context, deadline time.Time) error
}

type entry struct {
	task      Task
	nextRun   time.Time
	cancelled bool
}

// Scheduler drives a set of Tasks from one goroutine.
type Scheduler struct {
	entries []*entry
	logger  librarian.Logger
	clock   librarian.Clock
	tick    time.Duration
}

func New(logger librarian.Logger, clock librarian.Clock, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Scheduler{logger: logger, clock: clock, tick: tick}
}

// Register adds a task. Tasks run in registration order when more than one
// is due on the same tick.
func (s *Scheduler) Register(t Task) {
	s.entries = append(s.entries, &entry{task: t})
}

// WithSoftTimeout bounds each run of a task to the given duration instead
// of the task's full interval. Long-interval scan tasks use this so one
// run cannot monopolize the loop.
func WithSoftTimeout(t Task, timeout time.Duration, clock librarian.Clock) Task {
	if timeout <= 0 {
		return t
	}
	return &timeboxed{Task: t, timeout: timeout, clock: clock}
}

type timeboxed struct {
	Task
	timeout time.Duration
	clock   librarian.Clock
}

func (t *timeboxed) Run(ctx context.Context, _ time.Time) error {
	return t.Task.Run(ctx, t.clock.Now().Add(t.timeout))
}

// Run executes every task once immediately, then keeps running each task at
// its interval until ctx is cancelled. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.runDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// RunOnce executes every registered task a single time. Used by the
// run-once CLI command and by tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, e := range s.entries {
		if e.cancelled {
			continue
		}
		s.runTask(ctx, e)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.clock.Now()
	for _, e := range s.entries {
		if e.cancelled || now.Before(e.nextRun) {
			continue
		}
		s.runTask(ctx, e)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, e *entry) {
	name := e.task.Name()
	start := s.clock.Now()
	deadline := start.Add(e.task.Interval())

	err := e.task.Run(ctx, deadline)

	elapsed := s.clock.Now().Sub(start)
	taskDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())

	switch {
	case errors.Is(err, ErrCancelTask):
		e.cancelled = true
		taskRunsTotal.WithLabelValues(name, "cancelled").Inc()
		s.logger.Info("task unscheduled itself", "task", name)
	case err != nil:
		taskRunsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error("task failed", "task", name, "elapsed", elapsed, "error", err)
	default:
		taskRunsTotal.WithLabelValues(name, "ok").Inc()
		s.logger.Debug("task finished", "task", name, "elapsed", elapsed)
	}

	// Schedule relative to the start of this run so slow runs do not push
	// the cadence later and later.
	e.nextRun = start.Add(e.task.Interval())
}
