package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/attendly/confirm-engine/internal/runstate"
)

type scriptedJob struct {
	name    string
	mu      sync.Mutex
	runs    int
	block   chan struct{}
	result  RunResult
	panicky bool
}

func (j *scriptedJob) Name() string { return j.name }

func (j *scriptedJob) Run(ctx context.Context) RunResult {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()

	if j.panicky {
		panic("scheduler exploded")
	}
	if j.block != nil {
		<-j.block
	}
	return j.result
}

func (j *scriptedJob) runCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func TestRunnerRecordsTerminalState(t *testing.T) {
	t.Parallel()

	store := newMemStateStore()
	job := &scriptedJob{
		name:   "dispatch",
		result: RunResult{State: runstate.StateCompleted, Processed: 3, Failed: 1},
	}
	runner, err := NewRunner(job, time.Minute, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	runner.RunOnce(context.Background())

	report, err := store.Load(context.Background(), "dispatch")
	if err != nil {
		t.Fatal(err)
	}
	if report == nil {
		t.Fatal("expected a saved report")
	}
	if report.State != runstate.StateCompleted {
		t.Fatalf("expected completed, got %s", report.State)
	}
	if report.Processed != 3 || report.Failed != 1 {
		t.Errorf("expected counts 3/1, got %d/%d", report.Processed, report.Failed)
	}
	if report.FinishedAt.IsZero() {
		t.Error("expected a terminal report with FinishedAt set")
	}
}

func TestRunnerSkipsOverlappingRun(t *testing.T) {
	t.Parallel()

	store := newMemStateStore()
	job := &scriptedJob{
		name:   "retry",
		block:  make(chan struct{}),
		result: RunResult{State: runstate.StateCompleted},
	}
	runner, err := NewRunner(job, time.Minute, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		runner.RunOnce(context.Background())
		close(done)
	}()

	// Wait for the first run to be inside the job body.
	deadline := time.After(2 * time.Second)
	for job.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	runner.RunOnce(context.Background())

	if got := job.runCount(); got != 1 {
		t.Fatalf("expected the overlapping run skipped, job ran %d times", got)
	}
	report, err := store.Load(context.Background(), "retry")
	if err != nil {
		t.Fatal(err)
	}
	if report == nil || report.State != runstate.StateSkipped {
		t.Fatalf("expected a skipped report, got %+v", report)
	}

	close(job.block)
	<-done
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	store := newMemStateStore()
	job := &scriptedJob{name: "reminder", panicky: true}
	runner, err := NewRunner(job, time.Minute, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	runner.RunOnce(context.Background())

	report, err := store.Load(context.Background(), "reminder")
	if err != nil {
		t.Fatal(err)
	}
	if report == nil || report.State != runstate.StateErrored {
		t.Fatalf("expected an errored report after panic, got %+v", report)
	}

	// The single-flight guard must release after a panic.
	job.panicky = false
	job.result = RunResult{State: runstate.StateCompleted}
	runner.RunOnce(context.Background())

	report, _ = store.Load(context.Background(), "reminder")
	if report.State != runstate.StateCompleted {
		t.Fatalf("expected a completed run after recovery, got %s", report.State)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRunner(nil, time.Minute, nil, nil, nil); err == nil {
		t.Error("expected an error for a nil job")
	}
	if _, err := NewRunner(&scriptedJob{name: "x"}, 0, nil, nil, nil); err == nil {
		t.Error("expected an error for a non-positive interval")
	}
}
