// Package config loads the engine configuration file used by the CLI.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/retry"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of a weft.yaml file.
//
//	log_level: debug
//	scheduler:
//	  concurrency: 4
//	  caps: {gpu: 1}
//	store:
//	  backend: redis
//	  redis: {addr: localhost:6379}
//	  encryption_key: ${WEFT_KEY}
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Store     StoreConfig     `yaml:"store"`
	Channels  ChannelConfig   `yaml:"channels"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// SchedulerConfig sizes the global scheduler.
type SchedulerConfig struct {
	// Concurrency is the per-run cap applied when a submit does not set one.
	Concurrency int `yaml:"concurrency"`
	Workers     int `yaml:"workers"`
	// Caps are named global pools shared across runs.
	Caps        map[string]int `yaml:"caps"`
	WaitTimeout time.Duration  `yaml:"wait_timeout"`
}

// RetryConfig builds an exponential retry policy. MaxAttempts 1 disables retries.
type RetryConfig struct {
	MaxAttempts             int           `yaml:"max_attempts"`
	Base                    time.Duration `yaml:"base"`
	Max                     time.Duration `yaml:"max"`
	Multiplier              float64       `yaml:"multiplier"`
	Jitter                  float64       `yaml:"jitter"`
	RetryTimeouts           bool          `yaml:"retry_timeouts"`
	RetryContractViolations bool          `yaml:"retry_contract_violations"`
}

// StoreConfig selects where continuations and run records live.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
	// DistributedLock guards file store claims with a redis lock, for
	// several hosts sharing one directory.
	DistributedLock bool `yaml:"distributed_lock"`
	// EncryptionKey is a base64 AES-256 key; when set, continuation inputs
	// and prompts are encrypted at rest.
	EncryptionKey string   `yaml:"encryption_key"`
	FallbackKeys  []string `yaml:"fallback_keys"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// ChannelConfig configures destinations.
type ChannelConfig struct {
	Default string `yaml:"default"`
	// FileDir roots file: destinations.
	FileDir string `yaml:"file_dir"`
	// ReplyBase is the public URL of the HTTP adapter, advertised to webhooks.
	ReplyBase string `yaml:"reply_base"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: string(logging.FormatText),
		Scheduler: SchedulerConfig{
			Concurrency: 4,
			Workers:     8,
			WaitTimeout: 24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Base:        100 * time.Millisecond,
			Max:         10 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Path:    ".weft",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "weft:"},
		},
		Channels: ChannelConfig{Default: "console:stdout", FileDir: "."},
		HTTP:     HTTPConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults. ${VAR} references are expanded from the
// environment before parsing. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch logging.Format(c.LogFormat) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	if c.Scheduler.Concurrency < 1 || c.Scheduler.Workers < 1 {
		return fmt.Errorf("%w: scheduler concurrency and workers must be positive", ErrInvalid)
	}
	for key, n := range c.Scheduler.Caps {
		if n < 1 {
			return fmt.Errorf("%w: cap %q must be positive", ErrInvalid, key)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry max_attempts must be at least 1", ErrInvalid)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendRedis:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	if _, _, err := c.Store.Keys(); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}

// RetryPolicy builds the scheduler's default retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	if c.Retry.MaxAttempts <= 1 {
		return retry.Never{}
	}
	return retry.Retry{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff: retry.Exponential{
			Base:       c.Retry.Base,
			Max:        c.Retry.Max,
			Multiplier: c.Retry.Multiplier,
			Jitter:     c.Retry.Jitter,
		},
		RetryTimeouts:           c.Retry.RetryTimeouts,
		RetryContractViolations: c.Retry.RetryContractViolations,
	}
}

// Keys decodes the encryption keys. A nil active key means encryption is off.
func (s StoreConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		return nil, nil, nil
	}
	if active, err = decodeKey(s.EncryptionKey); err != nil {
		return nil, nil, err
	}
	for _, k := range s.FallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key is not base64: %v", ErrInvalid, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: encryption key must decode to 32 bytes, got %d", ErrInvalid, len(key))
	}
	return key, nil
}
