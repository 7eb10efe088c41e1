package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/adapters/memory"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/ports"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunContinuationStoreContract(t, memory.NewStore())
}

func TestMemoryRunStore_Contract(t *testing.T) {
	ports.RunRunStoreContract(t, memory.NewRunStore())
}

func TestMemoryStore_Isolation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	c := &domain.Continuation{CorrelatorID: "c1", RunID: "r", Choices: []string{"a"}}
	require.NoError(t, store.Put(ctx, c))

	c.Choices[0] = "mutated"
	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Choices[0])

	got.NodeID = "mutated"
	again, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, again.NodeID)
	assert.Equal(t, 1, store.Len())
}
