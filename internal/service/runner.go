package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/attendly/confirm-engine/internal/observability"
	"github.com/attendly/confirm-engine/internal/runstate"
	"go.uber.org/zap"
)

// RunResult is the terminal outcome of one scheduler run.
type RunResult struct {
	State     runstate.State
	Processed int
	Failed    int
	Detail    string
}

// Job is one periodic scheduler body. Run must not panic-propagate or
// block past its own query/send budgets; the Runner records whatever
// state it returns.
type Job interface {
	Name() string
	Run(ctx context.Context) RunResult
}

// Runner drives a Job on a fixed interval with single-flight semantics: a
// tick that finds the previous run still active skips itself rather than
// queuing. Every run lands in a terminal run-state report so monitoring
// never observes a stuck scheduler.
type Runner struct {
	job      Job
	interval time.Duration
	states   runstate.Store
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	busy atomic.Bool
}

func NewRunner(job Job, interval time.Duration, states runstate.Store, metrics *observability.Metrics, logger *zap.Logger) (*Runner, error) {
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		job:      job,
		interval: interval,
		states:   states,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run once up front so due work does not wait for the first tick.
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single guarded run.
func (r *Runner) RunOnce(ctx context.Context) {
	name := r.job.Name()

	if !r.busy.CompareAndSwap(false, true) {
		r.record(ctx, runstate.Report{
			Scheduler:  name,
			State:      runstate.StateSkipped,
			StartedAt:  r.now(),
			FinishedAt: r.now(),
			Detail:     "previous run still active",
		})
		return
	}
	defer r.busy.Store(false)

	startedAt := r.now()
	r.record(ctx, runstate.Report{
		Scheduler: name,
		State:     runstate.StateRunning,
		StartedAt: startedAt,
	})

	result := r.safeRun(ctx)
	if ctx.Err() != nil && result.State == runstate.StateErrored {
		// Shutdown, not a scheduler failure.
		result.Detail = "canceled"
	}

	r.record(ctx, runstate.Report{
		Scheduler:  name,
		State:      result.State,
		StartedAt:  startedAt,
		FinishedAt: r.now(),
		Processed:  result.Processed,
		Failed:     result.Failed,
		Detail:     result.Detail,
	})

	r.logger.Info("scheduler run finished",
		zap.String("scheduler", name),
		zap.String("state", result.State.String()),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Duration("took", r.now().Sub(startedAt)),
	)
}

func (r *Runner) safeRun(ctx context.Context) (result RunResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scheduler run panicked",
				zap.String("scheduler", r.job.Name()),
				zap.Any("panic", rec),
			)
			result = RunResult{State: runstate.StateErrored, Detail: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	return r.job.Run(ctx)
}

func (r *Runner) record(ctx context.Context, report runstate.Report) {
	if r.metrics != nil && report.State != runstate.StateRunning {
		r.metrics.IncSchedulerRun(report.Scheduler, report.State.String())
	}
	if r.states == nil {
		return
	}
	if err := r.states.Save(ctx, report); err != nil {
		r.logger.Warn("failed to save run state",
			zap.String("scheduler", report.Scheduler),
			zap.Error(err),
		)
	}
}
