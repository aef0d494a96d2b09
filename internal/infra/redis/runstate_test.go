package redis

import (
	"context"
	"testing"
	"time"

	"github.com/attendly/confirm-engine/internal/runstate"
)

func TestRedisRunStateStoreRoundTrip(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	store, err := NewRedisRunStateStore(rdb)
	if err != nil {
		t.Fatalf("NewRedisRunStateStore() error = %v", err)
	}

	started := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	report := runstate.Report{
		Scheduler:  "dispatch",
		State:      runstate.StateCompleted,
		StartedAt:  started,
		FinishedAt: started.Add(40 * time.Second),
		Processed:  12,
		Failed:     1,
		Detail:     "1 send failed",
	}

	if err := store.Save(context.Background(), report); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(context.Background(), "dispatch")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a stored report")
	}
	if loaded.State != runstate.StateCompleted {
		t.Fatalf("State = %s, want %s", loaded.State, runstate.StateCompleted)
	}
	if loaded.Processed != 12 || loaded.Failed != 1 {
		t.Fatalf("counters = %d/%d, want 12/1", loaded.Processed, loaded.Failed)
	}
	if !loaded.StartedAt.Equal(started) {
		t.Fatalf("StartedAt = %s, want %s", loaded.StartedAt, started)
	}
	if loaded.Detail != "1 send failed" {
		t.Fatalf("Detail = %q, want %q", loaded.Detail, "1 send failed")
	}
}

func TestRedisRunStateStoreLoadMissing(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	store, err := NewRedisRunStateStore(rdb)
	if err != nil {
		t.Fatalf("NewRedisRunStateStore() error = %v", err)
	}

	loaded, err := store.Load(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil for an unknown scheduler, got %+v", loaded)
	}
}

func TestRedisRunStateStoreLoadAllSkipsMissing(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	store, err := NewRedisRunStateStore(rdb)
	if err != nil {
		t.Fatalf("NewRedisRunStateStore() error = %v", err)
	}

	saved := runstate.Report{
		Scheduler: "retry",
		State:     runstate.StateErrored,
		StartedAt: time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC),
		Detail:    "resend phase: database unavailable",
	}
	if err := store.Save(context.Background(), saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reports, err := store.LoadAll(context.Background(), []string{"dispatch", "retry", "reminder"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("LoadAll() len = %d, want 1", len(reports))
	}
	if reports[0].Scheduler != "retry" || reports[0].State != runstate.StateErrored {
		t.Fatalf("unexpected report %+v", reports[0])
	}
}

func TestRedisRunStateStoreRejectsUnnamedScheduler(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	store, err := NewRedisRunStateStore(rdb)
	if err != nil {
		t.Fatalf("NewRedisRunStateStore() error = %v", err)
	}

	if err := store.Save(context.Background(), runstate.Report{State: runstate.StateIdle}); err == nil {
		t.Fatal("expected an error for a report without a scheduler name")
	}
}
