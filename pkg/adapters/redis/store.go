package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/weft/pkg/domain"
)

const defaultPrefix = "weft:"

// Store implements ports.ContinuationStore and ports.RunStore using Redis.
//
// Layout (under the prefix):
//
//	cont:<correlator>   continuation JSON
//	run:<run>:conts     SET of correlator ids owned by a run
//	expiry              ZSET correlator id -> expires_at (unix ms)
//	run:<run>           run snapshot JSON
//	runs                SET of run ids
//
// Take uses GETDEL, so exactly one caller observes a given continuation.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration applied to run snapshots. Continuations never
// expire in Redis; the scheduler's expiry sweep owns their lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client exposes the underlying client, e.g. to build a Locker on it.
func (s *Store) Client() *backend.Client { return s.client }

func (s *Store) contKey(id string) string { return s.prefix + "cont:" + id }
func (s *Store) runContsKey(id string) string { return s.prefix + "run:" + id + ":conts" }
func (s *Store) expiryKey() string { return s.prefix + "expiry" }
func (s *Store) runKey(id string) string { return s.prefix + "run:" + id }
func (s *Store) runsKey() string { return s.prefix + "runs" }

// Put persists the continuation and its indexes in one transaction.
func (s *Store) Put(ctx context.Context, c *domain.Continuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal continuation: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Set(ctx, s.contKey(c.CorrelatorID), data, 0)
		pipe.SAdd(ctx, s.runContsKey(c.RunID), c.CorrelatorID)
		if !c.ExpiresAt.IsZero() {
			pipe.ZAdd(ctx, s.expiryKey(), backend.Z{
				Score:  float64(c.ExpiresAt.UnixMilli()),
				Member: c.CorrelatorID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save continuation to redis: %w", err)
	}
	return nil
}

// Get reads a continuation without consuming it.
func (s *Store) Get(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	val, err := s.client.Get(ctx, s.contKey(correlatorID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrContinuationNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decodeContinuation(val)
}

// Take consumes a continuation with GETDEL, then drops it from the indexes.
func (s *Store) Take(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	val, err := s.client.GetDel(ctx, s.contKey(correlatorID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrContinuationNotFound
		}
		return nil, fmt.Errorf("failed to take from redis: %w", err)
	}
	c, err := decodeContinuation(val)
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	pipe.SRem(ctx, s.runContsKey(c.RunID), correlatorID)
	pipe.ZRem(ctx, s.expiryKey(), correlatorID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to update continuation indexes: %w", err)
	}
	return c, nil
}

// Delete removes a continuation if present.
func (s *Store) Delete(ctx context.Context, correlatorID string) error {
	if _, err := s.Take(ctx, correlatorID); err != nil && !errors.Is(err, domain.ErrContinuationNotFound) {
		return err
	}
	return nil
}

// ListByRun returns the continuations owned by runID, oldest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*domain.Continuation, error) {
	ids, err := s.client.SMembers(ctx, s.runContsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run continuations: %w", err)
	}
	out, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CorrelatorID < out[j].CorrelatorID
	})
	return out, nil
}

// DeleteByRun takes every continuation of runID. Only ids this call actually
// removed are returned, so a concurrent resume and a cancel never both win.
func (s *Store) DeleteByRun(ctx context.Context, runID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.runContsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run continuations: %w", err)
	}
	var deleted []string
	for _, id := range ids {
		_, err := s.Take(ctx, id)
		switch {
		case err == nil:
			deleted = append(deleted, id)
		case errors.Is(err, domain.ErrContinuationNotFound):
		default:
			return deleted, err
		}
	}
	if err := s.client.Del(ctx, s.runContsKey(runID)).Err(); err != nil {
		return deleted, fmt.Errorf("failed to drop run index: %w", err)
	}
	sort.Strings(deleted)
	return deleted, nil
}

// Expired reads the expiry index up to now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*domain.Continuation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &backend.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read expiry index: %w", err)
	}
	out, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// fetch MGETs the continuations for ids, skipping ids whose record is gone.
func (s *Store) fetch(ctx context.Context, ids []string) ([]*domain.Continuation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.contKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read continuations: %w", err)
	}
	out := make([]*domain.Continuation, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		c, err := decodeContinuation([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeContinuation(data []byte) (*domain.Continuation, error) {
	var c domain.Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal continuation: %w", err)
	}
	return &c, nil
}
