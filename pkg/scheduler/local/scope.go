package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
	"github.com/aretw0/weft/pkg/registry"
)

// Scope is the explicit recording context handed to a Run function. Node
// calls issued through it are recorded and executed concurrently; code in the
// function itself runs unrestricted.
type Scope struct {
	s   *Scheduler
	rec *Recording
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newScope(s *Scheduler, rec *Recording) *Scope {
	return &Scope{s: s, rec: rec, sem: semaphore.NewWeighted(int64(s.concurrency))}
}

// RunID returns the id of the current run.
func (sc *Scope) RunID() string { return sc.rec.runID }

// Services returns the service registry of the scheduler.
func (sc *Scope) Services() *registry.Registry { return sc.s.services }

// Recording exposes the in-progress recording.
func (sc *Scope) Recording() *Recording { return sc.rec }

// Send delivers a message through the channel layer.
func (sc *Scope) Send(ctx context.Context, key, text string) error {
	return sc.s.channels.Send(ctx, key, channel.Message{RunID: sc.rec.runID, Text: text})
}

// Ask issues a prompt from plain code and blocks until the reply arrives or
// the wait expires. key overrides req.Destination when set.
func (sc *Scope) Ask(ctx context.Context, key string, req channel.AskRequest) (node.Reply, error) {
	if key != "" {
		req.Destination = key
	}
	if req.Kind == "" {
		req.Kind = domain.ResumeInput
	}
	req.RunID = sc.rec.runID
	req.Resumer = sc.s
	h, err := sc.s.channels.Ask(ctx, req)
	if err != nil {
		return node.Reply{}, err
	}
	return sc.s.wait(ctx, req.NodeID, h)
}

// Call dispatches n with the given inputs. Values of type Ref (from
// Call.Out) become data edges and are awaited before the body runs; after
// adds control edges. The returned Call never blocks the caller.
func (sc *Scope) Call(ctx context.Context, n *node.Node, in map[string]any, after ...*Call) *Call {
	c, inputs, err := sc.rec.add(n, in, after)
	if err != nil {
		return failedCall(n, err)
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		out, err := sc.execute(ctx, c, inputs, after)
		c.finish(out, err)
	}()
	return c
}

func (sc *Scope) execute(ctx context.Context, c *Call, in node.Inputs, after []*Call) (node.Outputs, error) {
	resolved := make(node.Inputs, len(in))
	for name, v := range in {
		ref, ok := v.(Ref)
		if !ok {
			resolved[name] = v
			continue
		}
		out, err := ref.call.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: input %q from %s: %w", domain.ErrUpstreamFailed, name, ref.call.id, err)
		}
		resolved[name] = out[ref.output]
	}
	for _, a := range after {
		if _, err := a.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: predecessor %s: %w", domain.ErrUpstreamFailed, a.id, err)
		}
	}

	if err := sc.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	sl := &slot{sem: sc.sem, held: true}
	defer sl.release()

	c.setState(domain.NodeRunning)
	start := time.Now()
	sc.s.nodeEvent(ctx, sc.s.hooks.OnNodeStart, domain.EventNodeStart, sc.rec.runID, c.id, domain.NodeRunning, "", 0, nil)

	env := node.Env{
		RunID:    sc.rec.runID,
		NodeID:   c.id,
		Attempt:  1,
		Services: sc.s.services,
		Logger:   sc.s.logger.With("run_id", sc.rec.runID, "node_id", c.id),
	}
	out, err := node.Invoke(ctx, c.node, resolved, env, &suspender{sc: sc, slot: sl})

	state := domain.NodeDone
	if err != nil {
		state = domain.NodeFailed
		sc.s.logger.Debug("Node failed", "run_id", sc.rec.runID, "node_id", c.id, "err", err)
	}
	sc.s.nodeEvent(ctx, sc.s.hooks.OnNodeFinish, domain.EventNodeFinish, sc.rec.runID, c.id, state, "", time.Since(start), err)
	return out, err
}

// slot tracks whether the calling goroutine holds a concurrency slot; a node
// blocked on a wait gives its slot back.
type slot struct {
	sem  *semaphore.Weighted
	held bool
}

func (s *slot) release() {
	if s.held {
		s.sem.Release(1)
		s.held = false
	}
}

func (s *slot) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held = true
	return nil
}
