package global

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
)

type job struct {
	ctx     context.Context
	runID   string
	node    *node.Node
	attempt int
	inputs  node.Inputs
	reply   *node.Reply
}

// worker executes node bodies off the loop and reports back as completions.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case j := <-s.jobs:
			out, err := s.execute(j)
			select {
			case s.completions <- completion{runID: j.runID, nodeID: j.node.ID, out: out, err: err}:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *Scheduler) execute(j job) (node.Outputs, error) {
	env := node.Env{
		RunID:    j.runID,
		NodeID:   j.node.ID,
		Attempt:  j.attempt,
		Services: s.services,
		Logger:   s.logger.With("run_id", j.runID, "node_id", j.node.ID),
	}
	if j.reply != nil {
		return node.Complete(j.ctx, j.node, j.inputs, *j.reply, env)
	}
	return node.Invoke(j.ctx, j.node, j.inputs, env, suspender{s: s})
}

// suspender parks a node durably: the continuation, with the node's inputs
// serialized, is stored before the prompt goes out, and the worker is freed.
type suspender struct {
	s *Scheduler
}

func (p suspender) Suspend(ctx context.Context, req node.SuspendRequest) (node.Reply, error) {
	raw, err := json.Marshal(req.Inputs)
	if err != nil {
		return node.Reply{}, fmt.Errorf("failed to serialize inputs of %s: %w", req.Env.NodeID, err)
	}
	kind := req.Spec.Kind
	if kind == "" {
		kind = domain.ResumeInput
	}
	h, err := p.s.channels.Ask(ctx, channel.AskRequest{
		Destination: req.Spec.Destination,
		RunID:       req.Env.RunID,
		NodeID:      req.Env.NodeID,
		Attempt:     req.Env.Attempt,
		Kind:        kind,
		Prompt:      req.Spec.Prompt,
		Choices:     req.Spec.Choices,
		Inputs:      raw,
		Timeout:     req.Spec.Timeout,
		Resumer:     p.s,
	})
	if err != nil {
		return node.Reply{}, err
	}
	return node.Reply{}, &node.SuspendedError{Continuation: h.Continuation}
}
