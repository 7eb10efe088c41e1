package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/lock"
)

// Store implements ports.ContinuationStore using the local filesystem.
// Each continuation is a JSON file under <BasePath>/continuations.
//
// Take claims a file by renaming it to a unique name before reading it;
// rename is atomic, so only one claimant wins even across processes sharing
// the directory. The keyed lock manager serialises claims in-process and,
// when built with a distributed locker, across hosts.
type Store struct {
	BasePath string
	locks    *lock.Manager
}

// Option configures the Store.
type Option func(*Store)

// WithLocks sets the lock manager guarding claims.
func WithLocks(m *lock.Manager) Option {
	return func(s *Store) {
		s.locks = m
	}
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".weft".
func New(basePath string, opts ...Option) *Store {
	if basePath == "" {
		basePath = ".weft"
	}
	s := &Store{BasePath: basePath, locks: lock.NewManager()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) dir() string {
	return filepath.Join(s.BasePath, "continuations")
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir(), id+".json")
}

// Put writes the continuation atomically.
func (s *Store) Put(ctx context.Context, c *domain.Continuation) error {
	if err := validID(c.CorrelatorID); err != nil {
		return err
	}
	return writeJSON(s.dir(), c.CorrelatorID, c)
}

// Get reads a continuation without consuming it.
func (s *Store) Get(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	if err := validID(correlatorID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrContinuationNotFound, err)
	}
	var c domain.Continuation
	if err := readJSON(s.path(correlatorID), &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrContinuationNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Take claims and removes a continuation.
func (s *Store) Take(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	if err := validID(correlatorID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrContinuationNotFound, err)
	}
	var taken *domain.Continuation
	err := s.locks.WithLock(ctx, "continuation:"+correlatorID, func(ctx context.Context) error {
		claim := filepath.Join(s.dir(), fmt.Sprintf(".claim-%s-%s", correlatorID, uuid.NewString()))
		if err := os.Rename(s.path(correlatorID), claim); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return domain.ErrContinuationNotFound
			}
			return fmt.Errorf("failed to claim continuation: %w", err)
		}
		defer os.Remove(claim)

		var c domain.Continuation
		if err := readJSON(claim, &c); err != nil {
			return err
		}
		taken = &c
		return nil
	})
	return taken, err
}

// Delete removes the continuation file.
func (s *Store) Delete(ctx context.Context, correlatorID string) error {
	if _, err := s.Take(ctx, correlatorID); err != nil && !errors.Is(err, domain.ErrContinuationNotFound) {
		return err
	}
	return nil
}

// ListByRun scans the directory for continuations of runID, oldest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*domain.Continuation, error) {
	all, err := s.scan()
	if err != nil {
		return nil, err
	}
	var out []*domain.Continuation
	for _, c := range all {
		if c.RunID == runID {
			out = append(out, c)
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

// DeleteByRun takes every continuation of runID.
func (s *Store) DeleteByRun(ctx context.Context, runID string) ([]string, error) {
	owned, err := s.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, c := range owned {
		_, err := s.Take(ctx, c.CorrelatorID)
		switch {
		case err == nil:
			deleted = append(deleted, c.CorrelatorID)
		case errors.Is(err, domain.ErrContinuationNotFound):
		default:
			return deleted, err
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

// Expired returns continuations whose expiry is at or before now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*domain.Continuation, error) {
	all, err := s.scan()
	if err != nil {
		return nil, err
	}
	var out []*domain.Continuation
	for _, c := range all {
		if c.Expired(now) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// scan reads every continuation file. Files claimed concurrently are skipped.
func (s *Store) scan() ([]*domain.Continuation, error) {
	ids, err := listJSON(s.dir())
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Continuation, 0, len(ids))
	for _, id := range ids {
		var c domain.Continuation
		if err := readJSON(s.path(id), &c); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

// validID rejects ids that would escape the store directory. Lookups treat
// such ids as absent.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}
