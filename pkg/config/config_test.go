package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/retry"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("WEFT_TEST_KEY", key)

	cfg, err := Load(write(t, `
log_level: debug
scheduler:
  concurrency: 2
  caps: {gpu: 1}
  wait_timeout: 90s
retry:
  max_attempts: 5
  retry_timeouts: true
store:
  backend: redis
  redis: {addr: "redis:6379", db: 2}
  encryption_key: ${WEFT_TEST_KEY}
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, 8, cfg.Scheduler.Workers, "unset fields keep their default")
	assert.Equal(t, map[string]int{"gpu": 1}, cfg.Scheduler.Caps)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.WaitTimeout)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "weft:", cfg.Store.Redis.Prefix)
	assert.Equal(t, 2, cfg.Store.Redis.DB)

	active, fallback, err := cfg.Store.Keys()
	require.NoError(t, err)
	assert.Len(t, active, 32)
	assert.Empty(t, fallback)

	policy, ok := cfg.RetryPolicy().(retry.Retry)
	require.True(t, ok)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.True(t, policy.RetryTimeouts)
	assert.False(t, policy.RetryContractViolations)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"log level":    "log_level: loud",
		"log format":   "log_format: xml",
		"backend":      "store: {backend: etcd}",
		"workers":      "scheduler: {workers: 0}",
		"cap":          "scheduler: {caps: {gpu: 0}}",
		"max attempts": "retry: {max_attempts: 0}",
		"key not b64":  "store: {encryption_key: '***'}",
		"short key":    "store: {encryption_key: " + base64.StdEncoding.EncodeToString([]byte("short")) + "}",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(write(t, "scheduler: [not, a, map]"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestRetryPolicy_SingleAttemptNeverRetries(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 1
	assert.Equal(t, retry.Never{}, cfg.RetryPolicy())
}
