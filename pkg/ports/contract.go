package ports

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/domain"
)

func sampleContinuation(runID, nodeID string, expiresAt time.Time) *domain.Continuation {
	return &domain.Continuation{
		CorrelatorID:   uuid.NewString(),
		RunID:          runID,
		NodeID:         nodeID,
		Attempt:        1,
		DestinationKey: "console:stdout",
		ResumeKind:     domain.ResumeApproval,
		Inputs:         json.RawMessage(`{"release":"v1.2.0","count":3}`),
		Prompt:         "ship it?",
		Choices:        []string{"yes", "no"},
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:      expiresAt,
	}
}

// RunContinuationStoreContract verifies that a ContinuationStore implementation
// adheres to the interface contract. Each subtest uses fresh run ids, so the
// same store instance may be shared.
func RunContinuationStoreContract(t *testing.T, store ContinuationStore) {
	ctx := context.Background()
	later := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

	t.Run("Put and Get", func(t *testing.T) {
		c := sampleContinuation("run-"+uuid.NewString(), "approve", later)
		require.NoError(t, store.Put(ctx, c))

		got, err := store.Get(ctx, c.CorrelatorID)
		require.NoError(t, err)
		assert.Equal(t, c.RunID, got.RunID)
		assert.Equal(t, c.NodeID, got.NodeID)
		assert.Equal(t, c.Attempt, got.Attempt)
		assert.Equal(t, c.DestinationKey, got.DestinationKey)
		assert.Equal(t, c.ResumeKind, got.ResumeKind)
		assert.JSONEq(t, string(c.Inputs), string(got.Inputs))
		assert.Equal(t, c.Choices, got.Choices)
		assert.True(t, c.ExpiresAt.Equal(got.ExpiresAt))

		// Get does not consume.
		_, err = store.Get(ctx, c.CorrelatorID)
		assert.NoError(t, err)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrContinuationNotFound)
	})

	t.Run("Take consumes once", func(t *testing.T) {
		c := sampleContinuation("run-"+uuid.NewString(), "approve", later)
		require.NoError(t, store.Put(ctx, c))

		got, err := store.Take(ctx, c.CorrelatorID)
		require.NoError(t, err)
		assert.Equal(t, c.CorrelatorID, got.CorrelatorID)

		_, err = store.Take(ctx, c.CorrelatorID)
		assert.ErrorIs(t, err, domain.ErrContinuationNotFound)
		_, err = store.Get(ctx, c.CorrelatorID)
		assert.ErrorIs(t, err, domain.ErrContinuationNotFound)
	})

	t.Run("Concurrent Take has one winner", func(t *testing.T) {
		c := sampleContinuation("run-"+uuid.NewString(), "approve", later)
		require.NoError(t, store.Put(ctx, c))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Take(ctx, c.CorrelatorID); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("Delete", func(t *testing.T) {
		c := sampleContinuation("run-"+uuid.NewString(), "approve", later)
		require.NoError(t, store.Put(ctx, c))

		require.NoError(t, store.Delete(ctx, c.CorrelatorID))
		_, err := store.Get(ctx, c.CorrelatorID)
		assert.ErrorIs(t, err, domain.ErrContinuationNotFound)

		assert.NoError(t, store.Delete(ctx, c.CorrelatorID), "deleting twice is not an error")
	})

	t.Run("List and Delete by run", func(t *testing.T) {
		runID := "run-" + uuid.NewString()
		a := sampleContinuation(runID, "a", later)
		b := sampleContinuation(runID, "b", later)
		b.CreatedAt = a.CreatedAt.Add(time.Second)
		other := sampleContinuation("run-"+uuid.NewString(), "a", later)
		for _, c := range []*domain.Continuation{b, a, other} {
			require.NoError(t, store.Put(ctx, c))
		}

		listed, err := store.ListByRun(ctx, runID)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "a", listed[0].NodeID)
		assert.Equal(t, "b", listed[1].NodeID)

		deleted, err := store.DeleteByRun(ctx, runID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.CorrelatorID, b.CorrelatorID}, deleted)

		listed, err = store.ListByRun(ctx, runID)
		require.NoError(t, err)
		assert.Empty(t, listed)
		_, err = store.Take(ctx, a.CorrelatorID)
		assert.ErrorIs(t, err, domain.ErrContinuationNotFound)

		_, err = store.Get(ctx, other.CorrelatorID)
		assert.NoError(t, err, "other runs are untouched")
	})

	t.Run("Expired", func(t *testing.T) {
		runID := "run-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Millisecond)
		old := sampleContinuation(runID, "old", now.Add(-time.Minute))
		edge := sampleContinuation(runID, "edge", now)
		fresh := sampleContinuation(runID, "fresh", now.Add(time.Minute))
		forever := sampleContinuation(runID, "forever", time.Time{})
		for _, c := range []*domain.Continuation{fresh, edge, forever, old} {
			require.NoError(t, store.Put(ctx, c))
		}
		t.Cleanup(func() { _, _ = store.DeleteByRun(ctx, runID) })

		expired, err := store.Expired(ctx, now)
		require.NoError(t, err)
		var ours []string
		for _, c := range expired {
			if c.RunID == runID {
				ours = append(ours, c.NodeID)
			}
		}
		assert.Equal(t, []string{"old", "edge"}, ours)

		_, err = store.Get(ctx, old.CorrelatorID)
		assert.NoError(t, err, "Expired does not remove")
	})
}

// RunRunStoreContract verifies that a RunStore implementation adheres to the
// interface contract.
func RunRunStoreContract(t *testing.T, store RunStore) {
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		rec := &domain.RunRecord{
			RunID:       "run-" + uuid.NewString(),
			GraphName:   "etl",
			Status:      domain.RunActive,
			Inputs:      json.RawMessage(`{"day":"2024-01-01"}`),
			Concurrency: 2,
			Nodes: map[string]domain.NodeRecord{
				"load":  {State: domain.NodeDone, Attempt: 1, Outputs: map[string]any{"rows": "r"}},
				"clean": {State: domain.NodeWaiting, Attempt: 1, CorrelatorID: "c-1"},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.Save(ctx, rec))
		t.Cleanup(func() { _ = store.Delete(ctx, rec.RunID) })

		loaded, err := store.Load(ctx, rec.RunID)
		require.NoError(t, err)
		assert.Equal(t, rec.GraphName, loaded.GraphName)
		assert.Equal(t, rec.Status, loaded.Status)
		assert.Equal(t, 2, loaded.Concurrency)
		assert.JSONEq(t, string(rec.Inputs), string(loaded.Inputs))
		assert.Equal(t, domain.NodeWaiting, loaded.Nodes["clean"].State)
		assert.Equal(t, "c-1", loaded.Nodes["clean"].CorrelatorID)
		assert.Equal(t, "r", loaded.Nodes["load"].Outputs["rows"])
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		rec := &domain.RunRecord{RunID: "run-" + uuid.NewString(), Status: domain.RunActive}
		require.NoError(t, store.Save(ctx, rec))
		require.NoError(t, store.Delete(ctx, rec.RunID))

		_, err := store.Load(ctx, rec.RunID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("List", func(t *testing.T) {
		id1 := "run-" + uuid.NewString()
		id2 := "run-" + uuid.NewString()
		require.NoError(t, store.Save(ctx, &domain.RunRecord{RunID: id1, Status: domain.RunActive}))
		require.NoError(t, store.Save(ctx, &domain.RunRecord{RunID: id2, Status: domain.RunSucceeded}))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}
