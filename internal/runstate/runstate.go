package runstate

import (
	"context"
	"time"
)

// State is the per-run lifecycle of a scheduler.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSkipped   State = "skipped"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
)

func (s State) String() string { return string(s) }

// Report is the last observed run of one scheduler. Monitoring reads
// these; a run must always land in a terminal state so a stuck run is
// visible as a stale StartedAt.
type Report struct {
	Scheduler  string    `json:"scheduler"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Detail     string    `json:"detail,omitempty"`
}

// Store persists the latest run report per scheduler.
type Store interface {
	Save(ctx context.Context, report Report) error
	Load(ctx context.Context, scheduler string) (*Report, error)
	LoadAll(ctx context.Context, schedulers []string) ([]Report, error)
}
