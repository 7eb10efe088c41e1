package global

import (
	"log/slog"
	"time"

	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/ports"
	"github.com/aretw0/weft/pkg/registry"
	"github.com/aretw0/weft/pkg/retry"
)

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger configures a logger for the Scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithHooks sets lifecycle callbacks. They run on the loop goroutine.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(s *Scheduler) {
		s.hooks = hooks
	}
}

// WithGlobalCap limits running nodes across all runs that share key.
// Runs use DefaultCapKey unless submitted WithGlobalCapKey.
func WithGlobalCap(key string, n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.caps[key] = n
		}
	}
}

// WithWorkers sets the size of the worker pool executing node bodies.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRunStore enables run snapshots and recovery on Start.
func WithRunStore(store ports.RunStore) Option {
	return func(s *Scheduler) {
		s.runStore = store
	}
}

// WithChannels sets the channel service used by two-stage nodes. It must
// share the scheduler's continuation store.
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

// WithClock overrides the time source used for records and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithDefaultWaitTimeout bounds waits that do not set their own timeout.
// Ignored when WithChannels is used.
func WithDefaultWaitTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.waitTimeout = d
	}
}

// WithRetry sets the retry policy of runs submitted without one.
func WithRetry(p retry.Policy) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.retry = p
		}
	}
}

// WithGraph registers g under name so persisted runs of it can be recovered.
func WithGraph(name string, g *graph.Graph) Option {
	return func(s *Scheduler) {
		s.graphs[name] = g
	}
}

// FailurePolicy decides what a run does after a node fails for good.
type FailurePolicy string

const (
	// StopOnFirstFailure stops the run: nothing new is dispatched, in-flight
	// nodes are cancelled and waits are dropped.
	StopOnFirstFailure FailurePolicy = "stop_on_first_failure"
	// ContinueIndependent fails only the dependents of the failed node and
	// lets independent branches finish.
	ContinueIndependent FailurePolicy = "continue_independent"
)

type submitConfig struct {
	runID       string
	graphName   string
	concurrency int
	retry       retry.Policy
	capKey      string
	failure     FailurePolicy
	deadline    time.Time
}

// SubmitOption configures one run.
type SubmitOption func(*submitConfig)

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) SubmitOption {
	return func(c *submitConfig) {
		c.runID = id
	}
}

// WithConcurrency caps running nodes of the run (default 4).
func WithConcurrency(n int) SubmitOption {
	return func(c *submitConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRetryPolicy sets the run's retry policy.
func WithRetryPolicy(p retry.Policy) SubmitOption {
	return func(c *submitConfig) {
		if p != nil {
			c.retry = p
		}
	}
}

// WithGlobalCapKey selects the global cap pool the run draws from.
func WithGlobalCapKey(key string) SubmitOption {
	return func(c *submitConfig) {
		c.capKey = key
	}
}

// WithFailurePolicy sets the run-level failure policy.
func WithFailurePolicy(p FailurePolicy) SubmitOption {
	return func(c *submitConfig) {
		c.failure = p
	}
}

// WithDeadline cancels the run in bulk at t.
func WithDeadline(t time.Time) SubmitOption {
	return func(c *submitConfig) {
		c.deadline = t
	}
}

// WithGraphName records the name the graph was registered under with
// WithGraph, making the run recoverable after a restart.
func WithGraphName(name string) SubmitOption {
	return func(c *submitConfig) {
		c.graphName = name
	}
}
