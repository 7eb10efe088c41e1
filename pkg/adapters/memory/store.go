package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/weft/pkg/domain"
)

// Store implements ports.ContinuationStore in memory.
// Safe for concurrent use; Take is atomic under the store mutex.
type Store struct {
	data map[string]*domain.Continuation
	mu   sync.RWMutex
}

// NewStore creates a new in-memory continuation store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Continuation),
	}
}

// Put stores a copy of c.
func (s *Store) Put(ctx context.Context, c *domain.Continuation) error {
	copied := c.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[c.CorrelatorID] = copied
	return nil
}

// Get returns a copy so callers cannot mutate the stored record.
func (s *Store) Get(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[correlatorID]
	if !ok {
		return nil, domain.ErrContinuationNotFound
	}
	return c.Clone(), nil
}

// Take removes and returns the continuation.
func (s *Store) Take(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[correlatorID]
	if !ok {
		return nil, domain.ErrContinuationNotFound
	}
	delete(s.data, correlatorID)
	return c, nil
}

// Delete removes the continuation.
func (s *Store) Delete(ctx context.Context, correlatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, correlatorID)
	return nil
}

// ListByRun returns the continuations of runID, oldest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*domain.Continuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Continuation
	for _, c := range s.data {
		if c.RunID == runID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CorrelatorID < out[j].CorrelatorID
	})
	return out, nil
}

// DeleteByRun removes every continuation of runID.
func (s *Store) DeleteByRun(ctx context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, c := range s.data {
		if c.RunID == runID {
			ids = append(ids, id)
			delete(s.data, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Expired returns continuations whose expiry is at or before now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*domain.Continuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Continuation
	for _, c := range s.data {
		if c.Expired(now) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// Len returns the number of stored continuations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
