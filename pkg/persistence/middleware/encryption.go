package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/ports"
)

// ErrKeySize is returned for keys that are not 32 bytes long.
var ErrKeySize = errors.New("encryption key must be 32 bytes (AES-256)")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new data. Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried when decryption with ActiveKey fails, so keys
	// can be rotated while continuations encrypted with the old key are
	// still waiting.
	FallbackKeys [][]byte
}

// envelope replaces the serialized inputs and prompt of a continuation.
type envelope struct {
	Encrypted []byte `json:"__encrypted__"`
}

// sealed is the plaintext protected by the envelope.
type sealed struct {
	Inputs json.RawMessage `json:"inputs,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
}

type encryptionMiddleware struct {
	next   ports.ContinuationStore
	config EncryptionConfig
}

// NewEncryptionMiddleware returns a middleware that encrypts the inputs and
// prompt of every continuation with AES-GCM. Routing fields (ids, expiry)
// stay in clear so the indexes keep working.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, ErrKeySize
	}
	for _, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, ErrKeySize
		}
	}
	return func(next ports.ContinuationStore) ports.ContinuationStore {
		return &encryptionMiddleware{next: next, config: config}
	}, nil
}

func (m *encryptionMiddleware) Put(ctx context.Context, c *domain.Continuation) error {
	plainText, err := json.Marshal(sealed{Inputs: c.Inputs, Prompt: c.Prompt})
	if err != nil {
		return fmt.Errorf("failed to marshal continuation payload: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt continuation: %w", err)
	}
	blob, err := json.Marshal(envelope{Encrypted: ciphertext})
	if err != nil {
		return err
	}

	out := c.Clone()
	out.Inputs = blob
	out.Prompt = ""
	return m.next.Put(ctx, out)
}

func (m *encryptionMiddleware) Get(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	c, err := m.next.Get(ctx, correlatorID)
	if err != nil {
		return nil, err
	}
	return m.open(c)
}

func (m *encryptionMiddleware) Take(ctx context.Context, correlatorID string) (*domain.Continuation, error) {
	c, err := m.next.Take(ctx, correlatorID)
	if err != nil {
		return nil, err
	}
	return m.open(c)
}

func (m *encryptionMiddleware) Delete(ctx context.Context, correlatorID string) error {
	return m.next.Delete(ctx, correlatorID)
}

func (m *encryptionMiddleware) ListByRun(ctx context.Context, runID string) ([]*domain.Continuation, error) {
	list, err := m.next.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return m.openAll(list)
}

func (m *encryptionMiddleware) DeleteByRun(ctx context.Context, runID string) ([]string, error) {
	return m.next.DeleteByRun(ctx, runID)
}

func (m *encryptionMiddleware) Expired(ctx context.Context, now time.Time) ([]*domain.Continuation, error) {
	list, err := m.next.Expired(ctx, now)
	if err != nil {
		return nil, err
	}
	return m.openAll(list)
}

func (m *encryptionMiddleware) openAll(list []*domain.Continuation) ([]*domain.Continuation, error) {
	for i, c := range list {
		opened, err := m.open(c)
		if err != nil {
			return nil, err
		}
		list[i] = opened
	}
	return list, nil
}

func (m *encryptionMiddleware) open(c *domain.Continuation) (*domain.Continuation, error) {
	var env envelope
	if err := json.Unmarshal(c.Inputs, &env); err != nil || env.Encrypted == nil {
		// Fail secure: with encryption configured, plaintext records are rejected.
		return nil, fmt.Errorf("continuation %s is missing encrypted data envelope", c.CorrelatorID)
	}

	plainText, err := decryptWithRotation(env.Encrypted, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt continuation %s: %w", c.CorrelatorID, err)
	}
	var payload sealed
	if err := json.Unmarshal(plainText, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted continuation: %w", err)
	}

	out := c.Clone()
	out.Inputs = payload.Inputs
	out.Prompt = payload.Prompt
	return out, nil
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
