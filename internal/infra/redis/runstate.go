package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/attendly/confirm-engine/internal/runstate"
	goredis "github.com/redis/go-redis/v9"
)

const runstateKeyPrefix = "runstate:"

var _ runstate.Store = (*RedisRunStateStore)(nil)

// RedisRunStateStore keeps the latest run report per scheduler so the
// operator surface can show them without touching the database.
type RedisRunStateStore struct {
	client *goredis.Client
}

func NewRedisRunStateStore(client *goredis.Client) (*RedisRunStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisRunStateStore{client: client}, nil
}

func (s *RedisRunStateStore) Save(ctx context.Context, report runstate.Report) error {
	if strings.TrimSpace(report.Scheduler) == "" {
		return fmt.Errorf("scheduler name is required")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	if err := s.client.Set(ctx, runstateKeyPrefix+report.Scheduler, payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save run report: %w", err)
	}
	return nil
}

func (s *RedisRunStateStore) Load(ctx context.Context, scheduler string) (*runstate.Report, error) {
	raw, err := s.client.Get(ctx, runstateKeyPrefix+scheduler).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run report: %w", err)
	}

	var report runstate.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run report: %w", err)
	}
	return &report, nil
}

func (s *RedisRunStateStore) LoadAll(ctx context.Context, schedulers []string) ([]runstate.Report, error) {
	reports := make([]runstate.Report, 0, len(schedulers))
	for _, name := range schedulers {
		report, err := s.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports, nil
}
