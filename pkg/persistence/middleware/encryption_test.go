package middleware_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/adapters/memory"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/persistence/middleware"
	"github.com/aretw0/weft/pkg/ports"
)

func generateKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func secure(t *testing.T, next ports.ContinuationStore, cfg middleware.EncryptionConfig) ports.ContinuationStore {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	require.NoError(t, err)
	return middleware.Chain(next, mw)
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	ports.RunContinuationStoreContract(t, secure(t, memory.NewStore(), middleware.EncryptionConfig{ActiveKey: generateKey(t)}))
}

func TestEncryptionMiddleware_HidesPayload(t *testing.T) {
	underlying := memory.NewStore()
	store := secure(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	ctx := context.Background()

	c := &domain.Continuation{
		CorrelatorID: "c1",
		RunID:        "r1",
		Inputs:       json.RawMessage(`{"secret":"my-secret-sauce"}`),
		Prompt:       "approve payroll?",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Put(ctx, c))

	raw, err := underlying.Get(ctx, "c1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Inputs), "my-secret-sauce")
	assert.Contains(t, string(raw.Inputs), "__encrypted__")
	assert.Empty(t, raw.Prompt)
	assert.Equal(t, "r1", raw.RunID, "routing fields stay in clear")

	got, err := store.Take(ctx, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"secret":"my-secret-sauce"}`, string(got.Inputs))
	assert.Equal(t, "approve payroll?", got.Prompt)
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlying := memory.NewStore()
	oldKey, newKey := generateKey(t), generateKey(t)
	ctx := context.Background()

	old := secure(t, underlying, middleware.EncryptionConfig{ActiveKey: oldKey})
	require.NoError(t, old.Put(ctx, &domain.Continuation{CorrelatorID: "c1", Inputs: json.RawMessage(`{"a":1}`)}))

	rotated := secure(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}})
	got, err := rotated.Get(ctx, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.Inputs))

	wrong := secure(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey})
	_, err = wrong.Get(ctx, "c1")
	assert.Error(t, err)
}

func TestEncryptionMiddleware_RejectsPlaintext(t *testing.T) {
	underlying := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, underlying.Put(ctx, &domain.Continuation{CorrelatorID: "c1", Inputs: json.RawMessage(`{"a":1}`)}))

	store := secure(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	_, err := store.Get(ctx, "c1")
	assert.ErrorContains(t, err, "missing encrypted data envelope")
}

func TestNewEncryptionMiddleware_KeySize(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short")})
	assert.ErrorIs(t, err, middleware.ErrKeySize)
}
