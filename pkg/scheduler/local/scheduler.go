package local

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/adapters/memory"
	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
	"github.com/aretw0/weft/pkg/registry"
)

// DefaultConcurrency caps concurrently running node bodies per Run.
const DefaultConcurrency = 4

// Scheduler runs functions that issue node calls, recording them as a graph.
// Waits block in place; replies arrive through Resume.
type Scheduler struct {
	concurrency int
	logger      *slog.Logger
	hooks       domain.LifecycleHooks
	channels    *channel.Service
	services    *registry.Registry

	mu      sync.Mutex
	live    map[string]bool
	waiters map[string]chan node.Reply
	early   map[string]earlyReply
}

// earlyReply is a reply that arrived before its node registered to wait.
type earlyReply struct {
	runID string
	reply node.Reply
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithConcurrency sets the per-run cap on running node bodies.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger configures a logger for the Scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithHooks sets lifecycle callbacks.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(s *Scheduler) {
		s.hooks = hooks
	}
}

// WithChannels sets the channel service used by asks and two-stage nodes.
func WithChannels(svc *channel.Service) Option {
	return func(s *Scheduler) {
		s.channels = svc
	}
}

// WithServices sets the registry passed to every node body.
func WithServices(r *registry.Registry) Option {
	return func(s *Scheduler) {
		s.services = r
	}
}

// New creates a local scheduler. Without WithChannels it asks on the console
// and keeps continuations in memory.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		concurrency: DefaultConcurrency,
		logger:      logging.NewNop(),
		live:        make(map[string]bool),
		waiters:     make(map[string]chan node.Reply),
		early:       make(map[string]earlyReply),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.channels == nil {
		s.channels = channel.NewService(memory.NewStore(), channel.WithLogger(s.logger))
	}
	return s
}

// Run executes fn with a fresh recording scope. It returns once fn has
// returned and every node call it issued has finished; the Recording is
// read-only from then on.
func (s *Scheduler) Run(ctx context.Context, fn func(ctx context.Context, sc *Scope) error) (*Recording, error) {
	runID := uuid.NewString()
	rec := newRecording(runID)
	sc := newScope(s, rec)
	s.begin(runID)
	defer s.end(runID)

	if s.hooks.OnRunSubmit != nil {
		s.hooks.OnRunSubmit(ctx, &domain.RunEvent{EventBase: event(domain.EventRunSubmit, runID), Status: domain.RunActive})
	}

	err := fn(ctx, sc)
	sc.wg.Wait()
	rec.seal()

	status := domain.RunSucceeded
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrCancelled):
		status = domain.RunCancelled
	case err != nil || rec.failed():
		status = domain.RunFailed
	}
	if s.hooks.OnRunFinish != nil {
		s.hooks.OnRunFinish(ctx, &domain.RunEvent{EventBase: event(domain.EventRunFinish, runID), Status: status, Nodes: len(rec.entries)})
	}
	return rec, err
}

// Owns reports whether runID is a Run of this scheduler that has not returned.
func (s *Scheduler) Owns(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[runID]
}

func (s *Scheduler) begin(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[runID] = true
}

// end forgets runID and drops replies stashed for it that no node claimed.
func (s *Scheduler) end(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, runID)
	for id, e := range s.early {
		if e.runID == runID {
			delete(s.early, id)
		}
	}
}

// Resume delivers a reply to the node or ask waiting on correlatorID. Only
// continuations of live runs are taken from the store, so each token resumes
// at most once; unknown, expired or consumed tokens and tokens of runs this
// scheduler does not own return false.
func (s *Scheduler) Resume(ctx context.Context, correlatorID string, payload any) (bool, error) {
	c, err := s.channels.Store().Get(ctx, correlatorID)
	if err != nil {
		if errors.Is(err, domain.ErrContinuationNotFound) {
			s.logger.Warn("Discarding resume for unknown continuation", "correlator_id", correlatorID)
			return false, nil
		}
		return false, err
	}
	if !s.Owns(c.RunID) {
		s.logger.Warn("Discarding resume for a run that is not running", "correlator_id", correlatorID, "run_id", c.RunID)
		return false, nil
	}
	if _, err := s.channels.Store().Take(ctx, correlatorID); err != nil {
		if errors.Is(err, domain.ErrContinuationNotFound) {
			s.logger.Warn("Discarding resume for consumed continuation", "correlator_id", correlatorID)
			return false, nil
		}
		return false, err
	}
	return s.deliver(c.RunID, node.Reply{CorrelatorID: correlatorID, Payload: payload}), nil
}

// deliver hands reply to its waiter, or stashes it while the run is live.
func (s *Scheduler) deliver(runID string, reply node.Reply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := reply.CorrelatorID
	if ch, ok := s.waiters[id]; ok {
		delete(s.waiters, id)
		ch <- reply
		return true
	}
	if !s.live[runID] {
		return false
	}
	s.early[id] = earlyReply{runID: runID, reply: reply}
	return true
}

// register returns the channel a reply for id will arrive on. A reply that
// raced ahead of registration is handed over immediately.
func (s *Scheduler) register(id string) chan node.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan node.Reply, 1)
	if e, ok := s.early[id]; ok {
		delete(s.early, id)
		ch <- e.reply
		return ch
	}
	s.waiters[id] = ch
	return ch
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
	delete(s.early, id)
}
