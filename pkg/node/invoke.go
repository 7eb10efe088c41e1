package node

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/aretw0/weft/pkg/domain"
)

// ErrNoSuspender is returned when a two-stage node is invoked without a
// Suspender to park it.
var ErrNoSuspender = errors.New("two-stage node invoked without a suspender")

// SuspendRequest is what Stage A hands to the owning scheduler.
type SuspendRequest struct {
	Node   *Node
	Inputs Inputs
	Env    Env
	Spec   WaitSpec
}

// Suspender parks a node until its reply arrives. The local scheduler blocks
// in place and returns the reply; the global scheduler persists a
// continuation and returns a *SuspendedError instead.
type Suspender interface {
	Suspend(ctx context.Context, req SuspendRequest) (Reply, error)
}

// SuspenderFunc adapts a function to Suspender.
type SuspenderFunc func(ctx context.Context, req SuspendRequest) (Reply, error)

func (f SuspenderFunc) Suspend(ctx context.Context, req SuspendRequest) (Reply, error) {
	return f(ctx, req)
}

// SuspendedError reports that the node was durably parked. It is not a
// failure: the scheduler marks the node waiting.
type SuspendedError struct {
	Continuation *domain.Continuation
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("node %q parked on %s", e.Continuation.NodeID, e.Continuation.CorrelatorID)
}

// AsSuspended extracts the parked continuation from err, if any.
func AsSuspended(err error) (*domain.Continuation, bool) {
	var s *SuspendedError
	if errors.As(err, &s) && s.Continuation != nil {
		return s.Continuation, true
	}
	return nil, false
}

// PanicError wraps a value recovered from a panicking node body.
type PanicError struct {
	NodeID string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %q panicked: %v", e.NodeID, e.Value)
}

// Invoke executes a node. Single-stage nodes run to completion; two-stage
// nodes run Stage A and hand the wait to s. When s returns a reply, Stage B
// runs in place.
func Invoke(ctx context.Context, n *Node, in Inputs, env Env, s Suspender) (out Outputs, err error) {
	defer recoverInto(n, &err)

	if n.Run != nil {
		result, err := n.Run(ctx, in, env)
		if err != nil {
			return nil, err
		}
		return Finish(n, result)
	}

	spec, err := n.Wait.Request(ctx, in, env)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSuspender
	}
	reply, err := s.Suspend(ctx, SuspendRequest{Node: n, Inputs: in, Env: env, Spec: spec})
	if err != nil {
		return nil, err
	}
	return complete(ctx, n, in, reply, env)
}

// Complete runs Stage B of a two-stage node with the reply that resumed it.
func Complete(ctx context.Context, n *Node, in Inputs, reply Reply, env Env) (out Outputs, err error) {
	defer recoverInto(n, &err)
	if n.Wait == nil {
		return nil, fmt.Errorf("node %q has no resume stage", n.ID)
	}
	return complete(ctx, n, in, reply, env)
}

func complete(ctx context.Context, n *Node, in Inputs, reply Reply, env Env) (Outputs, error) {
	result, err := n.Wait.Resume(ctx, in, reply, env)
	if err != nil {
		return nil, err
	}
	return Finish(n, result)
}

// Finish normalizes a raw result and checks the output contract.
func Finish(n *Node, result any) (Outputs, error) {
	out, err := Normalize(n, result)
	if err != nil {
		return nil, err
	}
	if err := Check(n, out); err != nil {
		return nil, err
	}
	return out, nil
}

func recoverInto(n *Node, err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{NodeID: n.ID, Value: r, Stack: debug.Stack()}
	}
}
