package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/weft/internal/adapters/file"
	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/adapters/memory"
	"github.com/aretw0/weft/pkg/adapters/redis"
	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/config"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/lock"
	"github.com/aretw0/weft/pkg/observability"
	"github.com/aretw0/weft/pkg/persistence/middleware"
	"github.com/aretw0/weft/pkg/ports"
	"github.com/aretw0/weft/pkg/registry"
	"github.com/aretw0/weft/pkg/scheduler/global"
	"github.com/aretw0/weft/pkg/scheduler/local"
)

// ErrUnknownGraph is returned by SubmitGraph for names never registered.
var ErrUnknownGraph = errors.New("unknown graph")

// Version is the release of the engine, set at build time with -ldflags.
var Version = "0.1.0-dev"

// Engine wires one continuation store, one channel service and one service
// registry into a local and a global scheduler. Replies are routed to
// whichever scheduler owns the waiting run.
type Engine struct {
	store    ports.ContinuationStore
	runs     ports.RunStore
	channels *channel.Service
	services *registry.Registry
	local    *local.Scheduler
	global   *global.Scheduler
	metrics  *observability.Metrics
	logger   *slog.Logger
	closers  []func() error

	graphs      map[string]*graph.Graph
	hooks       []domain.LifecycleHooks
	tp          trace.TracerProvider
	concurrency int
	channelOpts []channel.Option
	globalOpts  []global.Option
	localOpts   []local.Option
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStore sets the continuation store shared by both schedulers.
func WithStore(store ports.ContinuationStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithRunStore enables run snapshots and recovery for the global scheduler.
func WithRunStore(store ports.RunStore) Option {
	return func(e *Engine) {
		e.runs = store
	}
}

// WithServices sets the registry handed to every node body.
func WithServices(r *registry.Registry) Option {
	return func(e *Engine) {
		e.services = r
	}
}

// WithLifecycleHooks registers observability hooks. Repeated calls add hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, hooks)
	}
}

// WithMetrics records scheduler events into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracerProvider emits a span per run and per node segment.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tp = tp
	}
}

// WithConcurrency sets the per-run cap of both schedulers.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// WithChannelOptions passes options to the channel service.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(e *Engine) {
		e.channelOpts = append(e.channelOpts, opts...)
	}
}

// WithGlobalOptions passes options to the global scheduler.
func WithGlobalOptions(opts ...global.Option) Option {
	return func(e *Engine) {
		e.globalOpts = append(e.globalOpts, opts...)
	}
}

// WithLocalOptions passes options to the local scheduler.
func WithLocalOptions(opts ...local.Option) Option {
	return func(e *Engine) {
		e.localOpts = append(e.localOpts, opts...)
	}
}

// WithGraph registers g under name. Named graphs can be submitted with
// SubmitGraph and their runs are recovered after a restart.
func WithGraph(name string, g *graph.Graph) Option {
	return func(e *Engine) {
		if e.graphs == nil {
			e.graphs = make(map[string]*graph.Graph)
		}
		e.graphs[name] = g
		e.globalOpts = append(e.globalOpts, global.WithGraph(name, g))
	}
}

func withCloser(fn func() error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.closers = append(e.closers, fn)
		}
	}
}

// New builds an engine. Without WithStore, continuations are kept in memory.
func New(opts ...Option) *Engine {
	e := &Engine{concurrency: global.DefaultConcurrency}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.store == nil {
		e.store = memory.NewStore()
	}
	if e.services == nil {
		e.services = registry.NewRegistry()
	}

	hooks := e.hooks
	if e.metrics != nil {
		hooks = append(hooks, e.metrics.Hooks())
	}
	if e.tp != nil {
		hooks = append(hooks, observability.NewTracer(e.tp).Hooks())
	}
	merged := domain.MergeHooks(hooks...)

	e.channels = channel.NewService(e.store, append([]channel.Option{channel.WithLogger(e.logger)}, e.channelOpts...)...)

	globalOpts := []global.Option{
		global.WithLogger(e.logger),
		global.WithHooks(merged),
		global.WithChannels(e.channels),
		global.WithServices(e.services),
	}
	if e.runs != nil {
		globalOpts = append(globalOpts, global.WithRunStore(e.runs))
	}
	e.global = global.New(e.store, append(globalOpts, e.globalOpts...)...)

	e.local = local.New(append([]local.Option{
		local.WithLogger(e.logger),
		local.WithHooks(merged),
		local.WithChannels(e.channels),
		local.WithServices(e.services),
		local.WithConcurrency(e.concurrency),
	}, e.localOpts...)...)
	return e
}

// FromConfig opens the configured stores and builds an engine. opts are
// applied after the configuration, so they win.
func FromConfig(cfg *config.Config, opts ...Option) (*Engine, error) {
	logger := logging.NewWriter(os.Stderr, cfg.Level(), logging.Format(cfg.LogFormat))

	store, runs, closer, err := OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	globalOpts := []global.Option{
		global.WithWorkers(cfg.Scheduler.Workers),
		global.WithRetry(cfg.RetryPolicy()),
		global.WithDefaultWaitTimeout(cfg.Scheduler.WaitTimeout),
	}
	for key, n := range cfg.Scheduler.Caps {
		globalOpts = append(globalOpts, global.WithGlobalCap(key, n))
	}

	base := []Option{
		WithLogger(logger),
		WithStore(store),
		WithRunStore(runs),
		WithConcurrency(cfg.Scheduler.Concurrency),
		WithChannelOptions(
			channel.WithDefault(cfg.Channels.Default),
			channel.WithDefaultTimeout(cfg.Scheduler.WaitTimeout),
			channel.WithFactory("file", channel.FileFactory(cfg.Channels.FileDir)),
			channel.WithFactory("webhook", channel.WebhookFactory(nil, cfg.Channels.ReplyBase)),
		),
		WithGlobalOptions(globalOpts...),
		withCloser(closer),
	}
	return New(append(base, opts...)...), nil
}

// OpenStore builds the continuation and run stores of a backend, wrapped in
// the encryption middleware when a key is configured. The returned closer
// may be nil, and so may logger.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (ports.ContinuationStore, ports.RunStore, func() error, error) {
	var (
		store  ports.ContinuationStore
		runs   ports.RunStore
		closer func() error
	)
	if logger == nil {
		logger = logging.NewNop()
	}
	switch cfg.Backend {
	case "", config.BackendMemory:
		store, runs = memory.NewStore(), memory.NewRunStore()
	case config.BackendFile:
		lockOpts := []lock.Option{lock.WithLogger(logger)}
		if cfg.DistributedLock {
			rs := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			lockOpts = append(lockOpts, lock.WithLocker(redis.NewLocker(rs.Client(), cfg.Redis.Prefix)))
			closer = rs.Close
		}
		path := filepath.Clean(cfg.Path)
		store = file.New(path, file.WithLocks(lock.NewManager(lockOpts...)))
		runs = file.NewRunStore(path)
	case config.BackendRedis:
		rs := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.WithPrefix(cfg.Redis.Prefix),
			redis.WithTTL(cfg.Redis.TTL),
		)
		store, runs, closer = rs, rs.Runs(), rs.Close
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalid, cfg.Backend)
	}

	active, fallback, err := cfg.Keys()
	if err != nil {
		return nil, nil, nil, err
	}
	if active != nil {
		mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
		if err != nil {
			return nil, nil, nil, err
		}
		store = middleware.Chain(store, mw)
	}
	return store, runs, closer, nil
}

// Start recovers persisted runs and starts the global scheduler.
func (e *Engine) Start(ctx context.Context) error {
	return e.global.Start(ctx)
}

// Close stops the global scheduler and releases the stores.
func (e *Engine) Close() error {
	err := e.global.Close()
	for _, fn := range e.closers {
		err = errors.Join(err, fn())
	}
	return err
}

func (e *Engine) Local() *local.Scheduler      { return e.local }
func (e *Engine) Global() *global.Scheduler    { return e.global }
func (e *Engine) Channels() *channel.Service   { return e.channels }
func (e *Engine) Services() *registry.Registry { return e.services }
func (e *Engine) Store() ports.ContinuationStore {
	return e.store
}

// Logger returns the engine logger, for adapters hosted next to it.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Metrics returns the metrics given with WithMetrics, or nil.
func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// Run executes fn on the local scheduler.
func (e *Engine) Run(ctx context.Context, fn func(ctx context.Context, sc *local.Scope) error) (*local.Recording, error) {
	return e.local.Run(ctx, fn)
}

// Submit hands g to the global scheduler and returns the run id.
func (e *Engine) Submit(ctx context.Context, g *graph.Graph, inputs map[string]any, opts ...global.SubmitOption) (string, error) {
	return e.global.Submit(ctx, g, inputs, append([]global.SubmitOption{global.WithConcurrency(e.concurrency)}, opts...)...)
}

// SubmitGraph submits the graph registered under name.
func (e *Engine) SubmitGraph(ctx context.Context, name string, inputs map[string]any, opts ...global.SubmitOption) (string, error) {
	g, ok := e.graphs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownGraph, name)
	}
	return e.Submit(ctx, g, inputs, append([]global.SubmitOption{global.WithGraphName(name)}, opts...)...)
}

// Graphs returns the names of the registered graphs.
func (e *Engine) Graphs() []string {
	names := make([]string, 0, len(e.graphs))
	for name := range e.graphs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Await blocks until the run finishes.
func (e *Engine) Await(ctx context.Context, runID string) (*global.Result, error) {
	return e.global.AwaitResult(ctx, runID)
}

func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.global.Cancel(ctx, runID)
}

func (e *Engine) Status(ctx context.Context, runID string) (*domain.RunRecord, error) {
	return e.global.Status(ctx, runID)
}

// Waiting lists the open continuations of a run.
func (e *Engine) Waiting(ctx context.Context, runID string) ([]*domain.Continuation, error) {
	return e.store.ListByRun(ctx, runID)
}

// Resume delivers payload to whichever scheduler is waiting on
// correlatorID. Unknown, expired and consumed tokens return false.
func (e *Engine) Resume(ctx context.Context, correlatorID string, payload any) (bool, error) {
	c, err := e.store.Get(ctx, correlatorID)
	if err != nil {
		if errors.Is(err, domain.ErrContinuationNotFound) {
			e.logger.Warn("Discarding resume for unknown continuation", "correlator_id", correlatorID)
			return false, nil
		}
		return false, err
	}
	if _, err := e.global.Status(ctx, c.RunID); err == nil {
		return e.global.Resume(ctx, correlatorID, payload)
	}
	if e.local.Owns(c.RunID) {
		return e.local.Resume(ctx, correlatorID, payload)
	}
	e.logger.Warn("Discarding resume for a run no scheduler owns", "correlator_id", correlatorID, "run_id", c.RunID)
	return false, nil
}
