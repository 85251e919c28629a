package insight

import (
	"context"
	"log/slog"
	"time"
)

// Defaults
const (
	DefaultYield     = 250 * time.Millisecond
	DefaultQueueSize = 16
)

// Task is one unit of low-priority work.
type Task func(ctx context.Context) error

// Busy reports whether higher-priority work is running.
type Busy interface {
	Busy() bool
}

// SchedulerOptions configure a Scheduler.
type SchedulerOptions struct {
	Yield     time.Duration
	QueueSize int
	Logger    *slog.Logger
}

type namedTask struct {
	name string
	fn   Task
}

// Scheduler runs tasks one at a time, and only while storage is idle. It is
// separate from the sync queue and keeps nothing across restarts.
type Scheduler struct {
	busy  Busy
	opts  SchedulerOptions
	log   *slog.Logger
	tasks chan namedTask
}

// NewScheduler returns a Scheduler that yields to busy.
func NewScheduler(busy Busy, opts SchedulerOptions) *Scheduler {
	if opts.Yield <= 0 {
		opts.Yield = DefaultYield
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		busy:  busy,
		opts:  opts,
		log:   log.With("component", "insight-scheduler"),
		tasks: make(chan namedTask, opts.QueueSize),
	}
}

// Submit queues a task. It reports false and drops the task when the queue
// is full.
func (s *Scheduler) Submit(name string, fn Task) bool {
	select {
	case s.tasks <- namedTask{name: name, fn: fn}:
		return true
	default:
		s.log.Debug("insight task dropped, queue full", "task", name)
		return false
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	return len(s.tasks)
}

// Run executes tasks until ctx ends. A failed task is logged and dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.tasks:
			if !s.waitIdle(ctx) {
				return nil
			}
			if err := t.fn(ctx); err != nil && ctx.Err() == nil {
				s.log.WarnContext(ctx, "insight task failed", "task", t.name, "error", err)
			}
		}
	}
}

// waitIdle blocks until storage reports no in-flight writes. It returns
// false if ctx ends first.
func (s *Scheduler) waitIdle(ctx context.Context) bool {
	for s.busy.Busy() {
		timer := time.NewTimer(s.opts.Yield)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return true
}
