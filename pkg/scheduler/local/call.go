package local

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
)

// Ref names one output of a call; passing it as an input creates a data edge.
type Ref struct {
	call   *Call
	output string
}

// Call is a dispatched node invocation.
type Call struct {
	id   string
	node *node.Node
	rec  *Recording
	done chan struct{}

	mu    sync.Mutex
	state domain.NodeState
	out   node.Outputs
	err   error
}

func newCall(id string, n *node.Node, rec *Recording) *Call {
	return &Call{id: id, node: n, rec: rec, done: make(chan struct{}), state: domain.NodePending}
}

func failedCall(n *node.Node, err error) *Call {
	c := &Call{node: n, done: make(chan struct{})}
	if n != nil {
		c.id = n.ID
	}
	c.finish(nil, err)
	return c
}

// ID returns the recorded node id.
func (c *Call) ID() string { return c.id }

// Out references output name of this call.
func (c *Call) Out(name string) Ref {
	return Ref{call: c, output: name}
}

// Done is closed once the call has finished.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call finishes and returns its outputs.
func (c *Call) Wait(ctx context.Context) (node.Outputs, error) {
	select {
	case <-c.done:
		_, out, err := c.snapshot()
		return out, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) setState(s domain.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Call) finish(out node.Outputs, err error) {
	c.mu.Lock()
	if err != nil {
		c.state, c.err = domain.NodeFailed, err
	} else {
		c.state, c.out = domain.NodeDone, out
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Call) snapshot() (domain.NodeState, node.Outputs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.out, c.err
}

// Join waits for every call and returns their outputs in argument order, so
// a reduce over the result does not depend on completion order. The first
// failure cancels the wait.
func Join(ctx context.Context, calls ...*Call) ([]node.Outputs, error) {
	g, gctx := errgroup.WithContext(ctx)
	out := make([]node.Outputs, len(calls))
	for i, c := range calls {
		g.Go(func() error {
			o, err := c.Wait(gctx)
			if err != nil {
				return err
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
