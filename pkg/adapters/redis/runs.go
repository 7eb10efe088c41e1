package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/weft/pkg/domain"
)

// RunStore adapts Store to ports.RunStore. Both views share one client and
// prefix; the method sets differ only because Save/Load/Delete are taken.
type RunStore struct {
	s *Store
}

// Runs returns the run snapshot view of the store.
func (s *Store) Runs() *RunStore {
	return &RunStore{s: s}
}

func (r *RunStore) Save(ctx context.Context, rec *domain.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	pipe := r.s.client.Pipeline()
	pipe.Set(ctx, r.s.runKey(rec.RunID), data, r.s.ttl)
	pipe.SAdd(ctx, r.s.runsKey(), rec.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run to redis: %w", err)
	}
	return nil
}

func (r *RunStore) Load(ctx context.Context, runID string) (*domain.RunRecord, error) {
	val, err := r.s.client.Get(ctx, r.s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run from redis: %w", err)
	}
	var rec domain.RunRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &rec, nil
}

func (r *RunStore) Delete(ctx context.Context, runID string) error {
	pipe := r.s.client.Pipeline()
	pipe.Del(ctx, r.s.runKey(runID))
	pipe.SRem(ctx, r.s.runsKey(), runID)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns stored run ids, pruning ids whose snapshot expired.
func (r *RunStore) List(ctx context.Context) ([]string, error) {
	ids, err := r.s.client.SMembers(ctx, r.s.runsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := r.s.client.Exists(ctx, r.s.runKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check run: %w", err)
		}
		if n == 0 {
			r.s.client.SRem(ctx, r.s.runsKey(), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}
