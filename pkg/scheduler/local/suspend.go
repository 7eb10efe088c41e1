package local

import (
	"context"
	"time"

	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
)

// suspender blocks a two-stage node in place until its reply arrives.
type suspender struct {
	sc   *Scope
	slot *slot
}

func (p *suspender) Suspend(ctx context.Context, req node.SuspendRequest) (node.Reply, error) {
	s := p.sc.s
	kind := req.Spec.Kind
	if kind == "" {
		kind = domain.ResumeInput
	}
	h, err := s.channels.Ask(ctx, channel.AskRequest{
		Destination: req.Spec.Destination,
		RunID:       req.Env.RunID,
		NodeID:      req.Env.NodeID,
		Attempt:     req.Env.Attempt,
		Kind:        kind,
		Prompt:      req.Spec.Prompt,
		Choices:     req.Spec.Choices,
		Timeout:     req.Spec.Timeout,
		Resumer:     s,
	})
	if err != nil {
		return node.Reply{}, err
	}
	s.nodeEvent(ctx, s.hooks.OnNodeWait, domain.EventNodeWait, req.Env.RunID, req.Env.NodeID, domain.NodeWaiting, h.CorrelatorID, 0, nil)

	p.slot.release()
	reply, err := s.wait(ctx, req.Env.NodeID, h)
	if err != nil {
		return node.Reply{}, err
	}
	if err := p.slot.acquire(ctx); err != nil {
		return node.Reply{}, err
	}
	s.nodeEvent(ctx, s.hooks.OnNodeResume, domain.EventNodeResume, req.Env.RunID, req.Env.NodeID, domain.NodeRunning, h.CorrelatorID, 0, nil)
	return reply, nil
}

// wait blocks until the reply for h arrives, the continuation expires or ctx
// is done. On expiry the continuation is taken; if a resume took it first,
// that resume's reply wins.
func (s *Scheduler) wait(ctx context.Context, nodeID string, h *channel.Handle) (node.Reply, error) {
	id := h.CorrelatorID
	ch := s.register(id)

	var expiry <-chan time.Time
	if exp := h.Continuation.ExpiresAt; !exp.IsZero() {
		timer := time.NewTimer(time.Until(exp))
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-expiry:
		if _, err := s.channels.Store().Take(context.WithoutCancel(ctx), id); err == nil {
			s.unregister(id)
			return node.Reply{}, &domain.TimeoutError{NodeID: nodeID, CorrelatorID: id, ExpiresAt: h.Continuation.ExpiresAt}
		}
		select {
		case reply := <-ch:
			return reply, nil
		case <-ctx.Done():
			s.unregister(id)
			return node.Reply{}, ctx.Err()
		}
	case <-ctx.Done():
		if err := s.channels.Store().Delete(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Warn("Failed to remove abandoned continuation", "correlator_id", id, "err", err)
		}
		s.unregister(id)
		return node.Reply{}, ctx.Err()
	}
}

func (s *Scheduler) nodeEvent(ctx context.Context, hook func(context.Context, *domain.NodeEvent), typ domain.EventType, runID, nodeID string, state domain.NodeState, correlatorID string, d time.Duration, err error) {
	if hook == nil {
		return
	}
	hook(ctx, &domain.NodeEvent{
		EventBase:    event(typ, runID),
		NodeID:       nodeID,
		State:        state,
		Attempt:      1,
		CorrelatorID: correlatorID,
		Duration:     d,
		Err:          err,
	})
}

func event(typ domain.EventType, runID string) domain.EventBase {
	return domain.EventBase{Timestamp: time.Now(), Type: typ, RunID: runID}
}
