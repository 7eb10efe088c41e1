package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventRunSubmit  EventType = "run_submit"
	EventRunFinish  EventType = "run_finish"
	EventNodeStart  EventType = "node_start"
	EventNodeFinish EventType = "node_finish"
	EventNodeWait   EventType = "node_wait"
	EventNodeResume EventType = "node_resume"
	EventNodeRetry  EventType = "node_retry"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
}

// NodeEvent reports a node state transition.
type NodeEvent struct {
	EventBase
	NodeID       string        `json:"node_id"`
	State        NodeState     `json:"state"`
	Attempt      int           `json:"attempt"`
	CorrelatorID string        `json:"correlator_id,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Err          error         `json:"-"`
}

// RunEvent reports a run being accepted or finishing.
type RunEvent struct {
	EventBase
	Status RunStatus `json:"status"`
	Nodes  int       `json:"nodes"`
}

// LifecycleHooks defines callbacks for scheduler observability.
// Hooks run synchronously on the scheduler's goroutine and must not block.
type LifecycleHooks struct {
	OnRunSubmit  func(context.Context, *RunEvent)
	OnRunFinish  func(context.Context, *RunEvent)
	OnNodeStart  func(context.Context, *NodeEvent)
	OnNodeFinish func(context.Context, *NodeEvent)
	OnNodeWait   func(context.Context, *NodeEvent)
	OnNodeResume func(context.Context, *NodeEvent)
	OnNodeRetry  func(context.Context, *NodeEvent)
}

// MergeHooks fans every callback out to all non-nil hooks in order.
func MergeHooks(hooks ...LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnRunSubmit:  mergeRun(hooks, func(h LifecycleHooks) func(context.Context, *RunEvent) { return h.OnRunSubmit }),
		OnRunFinish:  mergeRun(hooks, func(h LifecycleHooks) func(context.Context, *RunEvent) { return h.OnRunFinish }),
		OnNodeStart:  mergeNode(hooks, func(h LifecycleHooks) func(context.Context, *NodeEvent) { return h.OnNodeStart }),
		OnNodeFinish: mergeNode(hooks, func(h LifecycleHooks) func(context.Context, *NodeEvent) { return h.OnNodeFinish }),
		OnNodeWait:   mergeNode(hooks, func(h LifecycleHooks) func(context.Context, *NodeEvent) { return h.OnNodeWait }),
		OnNodeResume: mergeNode(hooks, func(h LifecycleHooks) func(context.Context, *NodeEvent) { return h.OnNodeResume }),
		OnNodeRetry:  mergeNode(hooks, func(h LifecycleHooks) func(context.Context, *NodeEvent) { return h.OnNodeRetry }),
	}
}

func mergeRun(hooks []LifecycleHooks, pick func(LifecycleHooks) func(context.Context, *RunEvent)) func(context.Context, *RunEvent) {
	var fns []func(context.Context, *RunEvent)
	for _, h := range hooks {
		if fn := pick(h); fn != nil {
			fns = append(fns, fn)
		}
	}
	if len(fns) == 0 {
		return nil
	}
	return func(ctx context.Context, e *RunEvent) {
		for _, fn := range fns {
			fn(ctx, e)
		}
	}
}

func mergeNode(hooks []LifecycleHooks, pick func(LifecycleHooks) func(context.Context, *NodeEvent)) func(context.Context, *NodeEvent) {
	var fns []func(context.Context, *NodeEvent)
	for _, h := range hooks {
		if fn := pick(h); fn != nil {
			fns = append(fns, fn)
		}
	}
	if len(fns) == 0 {
		return nil
	}
	return func(ctx context.Context, e *NodeEvent) {
		for _, fn := range fns {
			fn(ctx, e)
		}
	}
}
