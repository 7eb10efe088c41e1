package ports

import (
	"context"
	"time"

	"github.com/aretw0/weft/pkg/domain"
)

// ContinuationStore is the durable mapping from correlator id to suspended
// node state. A continuation is consumed exactly once: Take is an atomic
// fetch-and-delete, so two concurrent resumes with one token cannot both win.
type ContinuationStore interface {
	// Put persists c, replacing any record with the same correlator id.
	Put(ctx context.Context, c *domain.Continuation) error

	// Get reads a continuation without consuming it.
	// Returns domain.ErrContinuationNotFound if it does not exist.
	Get(ctx context.Context, correlatorID string) (*domain.Continuation, error)

	// Take atomically reads and deletes a continuation.
	// Returns domain.ErrContinuationNotFound if it does not exist or was already taken.
	Take(ctx context.Context, correlatorID string) (*domain.Continuation, error)

	// Delete removes a continuation. Deleting a missing id is not an error.
	Delete(ctx context.Context, correlatorID string) error

	// ListByRun returns the continuations owned by runID, oldest first.
	ListByRun(ctx context.Context, runID string) ([]*domain.Continuation, error)

	// DeleteByRun removes every continuation owned by runID and returns their ids.
	DeleteByRun(ctx context.Context, runID string) ([]string, error)

	// Expired returns the continuations whose expiry is at or before now,
	// earliest first. They are not removed.
	Expired(ctx context.Context, now time.Time) ([]*domain.Continuation, error)
}

// RunStore persists run snapshots so a restarted scheduler can recover them.
type RunStore interface {
	// Save persists the snapshot for rec.RunID.
	Save(ctx context.Context, rec *domain.RunRecord) error

	// Load retrieves a snapshot.
	// Returns domain.ErrRunNotFound if the run does not exist.
	Load(ctx context.Context, runID string) (*domain.RunRecord, error)

	// Delete removes a snapshot.
	Delete(ctx context.Context, runID string) error

	// List returns all stored run ids.
	List(ctx context.Context) ([]string, error)
}
