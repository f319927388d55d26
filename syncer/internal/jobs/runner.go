package jobs

import (
	"context"
	"log/slog"
	"time"
)

// RunFunc executes one scheduled per-instance sync. Return nil to record
// success.
type RunFunc func(ctx context.Context, job Job) error

// RunnerOptions configures the polling loop.
type RunnerOptions struct {
	// Tick is the delay between due-job polls. Default: 30s.
	Tick time.Duration
	// Batch is how many jobs one poll may claim at once. Default: 4.
	Batch int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *RunnerOptions) defaults() {
	if o.Tick <= 0 {
		o.Tick = 30 * time.Second
	}
	if o.Batch <= 0 {
		o.Batch = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner drains due jobs on a ticker and hands each to a RunFunc. Jobs run
// sequentially: source databases are shared with their owners and a sync
// burst must not starve them.
type Runner struct {
	queue *Queue
	run   RunFunc
	opts  RunnerOptions
}

// NewRunner creates a Runner over queue.
func NewRunner(q *Queue, run RunFunc, opts RunnerOptions) *Runner {
	opts.defaults()
	return &Runner{queue: q, run: run, opts: opts}
}

// Run blocks until ctx is cancelled, polling for due jobs every tick.
func (r *Runner) Run(ctx context.Context) {
	log := r.opts.Logger
	log.Info("jobs: runner started", "tick", r.opts.Tick, "batch", r.opts.Batch)

	ticker := time.NewTicker(r.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobs: runner stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	log := r.opts.Logger
	for {
		due, err := r.queue.Due(ctx, time.Now().UnixMilli(), r.opts.Batch)
		if err != nil {
			log.Warn("jobs: claim failed", "error", err)
			return
		}
		if len(due) == 0 {
			return
		}
		for _, job := range due {
			if ctx.Err() != nil {
				return
			}
			err := r.run(ctx, job)
			if err != nil {
				log.Warn("jobs: run failed", "instance", job.Instance, "error", err)
			}
			// The run happened; its outcome is recorded even when shutdown
			// cancels ctx between the callback and here.
			if recErr := r.queue.RecordResult(context.WithoutCancel(ctx), job.Instance, time.Now().UnixMilli(), err); recErr != nil {
				log.Warn("jobs: record result failed", "instance", job.Instance, "error", recErr)
			}
		}
	}
}
