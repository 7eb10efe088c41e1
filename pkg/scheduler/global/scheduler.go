package global

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
	"github.com/aretw0/weft/pkg/ports"
	"github.com/aretw0/weft/pkg/registry"
	"github.com/aretw0/weft/pkg/retry"
)

const (
	// DefaultConcurrency caps running nodes per run.
	DefaultConcurrency = 4
	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 8
	// DefaultCapKey is the global cap pool of runs submitted without a key.
	DefaultCapKey = "default"
)

var (
	ErrNotStarted   = errors.New("scheduler is not started")
	ErrClosed       = errors.New("scheduler is closed")
	ErrDuplicateRun = errors.New("run id already in use")
	ErrMissingInput = errors.New("missing run input")
)

// Scheduler multiplexes many submitted runs on one event loop. Node bodies
// execute on a worker pool; suspended nodes are parked in the continuation
// store and hold no memory beyond their correlator id.
type Scheduler struct {
	store       ports.ContinuationStore
	runStore    ports.RunStore
	channels    *channel.Service
	services    *registry.Registry
	logger      *slog.Logger
	hooks       domain.LifecycleHooks
	now         func() time.Time
	retry       retry.Policy
	workers     int
	caps        map[string]int
	waitTimeout time.Duration
	graphs      map[string]*graph.Graph

	submits     chan *submission
	resumes     chan *resumeEvent
	completions chan completion
	retries     chan retryEvent
	calls       chan func()
	jobs        chan job

	mu        sync.Mutex
	started   atomic.Bool
	closed    bool
	stop      chan struct{}
	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	// Owned by the loop goroutine.
	runs   map[string]*run
	active []*run
	busy   int
	inUse  map[string]int
	timer  *time.Timer
}

type submission struct {
	run *run
	ack chan error
}

type resumeEvent struct {
	cont  *domain.Continuation
	reply node.Reply
	ack   chan bool
}

type completion struct {
	runID  string
	nodeID string
	out    node.Outputs
	err    error
}

type retryEvent struct {
	runID   string
	nodeID  string
	attempt int
}

// New creates a global scheduler over store. Call Start before submitting.
func New(store ports.ContinuationStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		logger:  logging.NewNop(),
		now:     time.Now,
		retry:   retry.Default(),
		workers: DefaultWorkers,
		caps:    make(map[string]int),
		graphs:  make(map[string]*graph.Graph),
		runs:    make(map[string]*run),
		inUse:   make(map[string]int),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.channels == nil {
		s.channels = channel.NewService(store,
			channel.WithLogger(s.logger),
			channel.WithClock(s.now),
			channel.WithDefaultTimeout(s.waitTimeout),
		)
	}
	s.submits = make(chan *submission)
	s.resumes = make(chan *resumeEvent)
	s.completions = make(chan completion, s.workers)
	s.retries = make(chan retryEvent)
	s.calls = make(chan func())
	s.jobs = make(chan job, s.workers)
	return s
}

// Channels returns the channel service used for waits.
func (s *Scheduler) Channels() *channel.Service { return s.channels }

// Store returns the continuation store.
func (s *Scheduler) Store() ports.ContinuationStore { return s.store }

// Start recovers persisted runs, removes expired continuations no run owns,
// and starts the loop and the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started.Load() {
		return errors.New("scheduler already started")
	}

	s.ctx, s.cancelAll = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.recover(ctx); err != nil {
		s.cancelAll()
		return fmt.Errorf("failed to recover runs: %w", err)
	}
	if err := s.reap(ctx); err != nil {
		s.logger.Warn("Failed to reap expired continuations", "err", err)
	}

	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()
	for range s.workers {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.loop()
	s.started.Store(true)
	s.logger.Info("Scheduler started", "workers", s.workers, "recovered", len(s.runs))
	return nil
}

// Close stops the loop and the workers. In-flight node executions are
// cancelled; waiting nodes keep their continuations in the store.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if !s.started.Load() || s.closed {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.cancelAll()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Submit validates g and starts a run of it. Every graph.Input binding must
// be present in inputs.
func (s *Scheduler) Submit(ctx context.Context, g *graph.Graph, inputs map[string]any, opts ...SubmitOption) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}
	cfg := submitConfig{
		concurrency: DefaultConcurrency,
		retry:       s.retry,
		capKey:      DefaultCapKey,
		failure:     StopOnFirstFailure,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	if err := checkInputs(g, inputs); err != nil {
		return "", err
	}

	sub := &submission{run: newRun(cfg, g, inputs, s.now()), ack: make(chan error, 1)}
	if err := send(ctx, s, s.submits, sub); err != nil {
		return "", err
	}
	select {
	case err := <-sub.ack:
		if err != nil {
			return "", err
		}
		return cfg.runID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel stops a run: nothing more is dispatched, in-flight nodes are
// cancelled, continuations of its waiting nodes are deleted and every
// unfinished node fails with a CancelledError.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	var err error
	callErr := s.call(ctx, func() {
		r := s.runs[runID]
		if r == nil {
			err = fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
			return
		}
		if r.status == domain.RunActive {
			s.cancelRun(r, "cancelled by request")
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// AwaitResult blocks until the run ends. A succeeded run returns the declared
// outputs of its sink nodes; otherwise the error is a *domain.RunError.
func (s *Scheduler) AwaitResult(ctx context.Context, runID string) (*Result, error) {
	var r *run
	if err := s.call(ctx, func() { r = s.runs[runID] }); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of the run. Runs unknown to this process are
// looked up in the run store.
func (s *Scheduler) Status(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var rec *domain.RunRecord
	if err := s.call(ctx, func() {
		if r := s.runs[runID]; r != nil {
			rec = r.record()
		}
	}); err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	if s.runStore != nil {
		return s.runStore.Load(ctx, runID)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
}

// Resume delivers payload to the node waiting on correlatorID. The
// continuation is taken from the store first, so a token resumes at most
// once; unknown, expired and consumed tokens are logged and return false.
func (s *Scheduler) Resume(ctx context.Context, correlatorID string, payload any) (bool, error) {
	if !s.started.Load() {
		return false, ErrNotStarted
	}
	c, err := s.store.Take(ctx, correlatorID)
	if err != nil {
		if errors.Is(err, domain.ErrContinuationNotFound) {
			s.logger.Warn("Discarding resume for unknown continuation", "correlator_id", correlatorID)
			return false, nil
		}
		return false, err
	}

	ev := &resumeEvent{cont: c, reply: node.Reply{CorrelatorID: correlatorID, Payload: payload}, ack: make(chan bool, 1)}
	if err := send(ctx, s, s.resumes, ev); err != nil {
		// Put it back so the wait survives for a later resume or recovery.
		if perr := s.store.Put(context.WithoutCancel(ctx), c); perr != nil {
			s.logger.Error("Failed to restore continuation", "correlator_id", correlatorID, "err", perr)
		}
		return false, err
	}
	select {
	case ok := <-ev.ack:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Runs returns the ids of runs known to this process.
func (s *Scheduler) Runs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.call(ctx, func() {
		for id := range s.runs {
			ids = append(ids, id)
		}
	})
	return ids, err
}

// call runs fn on the loop goroutine and waits for it.
func (s *Scheduler) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := send(ctx, s, s.calls, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting; used by timers.
func (s *Scheduler) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.stop:
	}
}

func send[T any](ctx context.Context, s *Scheduler, ch chan T, v T) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	select {
	case ch <- v:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkInputs(g *graph.Graph, inputs map[string]any) error {
	for _, n := range g.Nodes() {
		for name, src := range g.Bindings(n.ID) {
			if src.Kind != graph.SourceInput {
				continue
			}
			if _, ok := inputs[src.Name]; !ok {
				return fmt.Errorf("%w: %q (input %q of %s)", ErrMissingInput, src.Name, name, n.ID)
			}
		}
	}
	return nil
}
