package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/registry"
)

// Inputs are the resolved named arguments of one node execution.
type Inputs map[string]any

// Outputs is the named-output record produced by a node.
type Outputs map[string]any

// Tuple is a fixed-size ordered result. Normalize maps it positionally to
// out0, out1, ...
type Tuple []any

// Env carries per-invocation context into a node body. Services is resolved
// once per run and passed explicitly; there is no ambient lookup.
type Env struct {
	RunID    string
	NodeID   string
	Attempt  int
	Services *registry.Registry
	Logger   *slog.Logger
}

// Func is a single-stage node body.
type Func func(ctx context.Context, in Inputs, env Env) (any, error)

// WaitSpec describes what a suspending node waits for.
type WaitSpec struct {
	// Destination is a channel key; empty means "resolve by scope".
	Destination string
	Kind        domain.ResumeKind
	Prompt      string
	Choices     []string
	// Timeout bounds the wait; zero uses the scheduler default.
	Timeout time.Duration
}

// Reply is the external event that resumes a suspended node.
type Reply struct {
	CorrelatorID string `json:"correlator_id"`
	Payload      any    `json:"payload"`
}

// TwoStage is a dual-stage node body. Request (stage A) computes what to ask
// and declares the wait; Resume (stage B) turns the reply into outputs.
type TwoStage struct {
	Request func(ctx context.Context, in Inputs, env Env) (WaitSpec, error)
	Resume  func(ctx context.Context, in Inputs, reply Reply, env Env) (any, error)
}

// Node is a unit of work with declared named inputs and outputs.
// Exactly one of Run or Wait must be set.
type Node struct {
	ID          string
	Name        string
	Version     string
	Alias       string
	DisplayName string
	Labels      []string
	Inputs      []string
	Outputs     []string

	Run  Func
	Wait *TwoStage
}

// Validate checks the declaration is well formed.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil node", domain.ErrGraphBuild)
	}
	if n.ID == "" {
		return fmt.Errorf("%w: node id is required", domain.ErrGraphBuild)
	}
	if (n.Run == nil) == (n.Wait == nil) {
		return fmt.Errorf("%w: node %q must define exactly one of Run or Wait", domain.ErrGraphBuild, n.ID)
	}
	if n.Wait != nil && (n.Wait.Request == nil || n.Wait.Resume == nil) {
		return fmt.Errorf("%w: node %q two-stage body needs Request and Resume", domain.ErrGraphBuild, n.ID)
	}
	seen := make(map[string]bool, len(n.Outputs))
	for _, out := range n.Outputs {
		if out == "" || seen[out] {
			return fmt.Errorf("%w: node %q has empty or repeated output %q", domain.ErrGraphBuild, n.ID, out)
		}
		seen[out] = true
	}
	return nil
}

// Suspends reports whether the node has a dual-stage body.
func (n *Node) Suspends() bool { return n.Wait != nil }

// Label returns the display name, falling back to the id.
func (n *Node) Label() string {
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.ID
}

// HasOutput reports whether name is a declared output.
func (n *Node) HasOutput(name string) bool {
	for _, out := range n.Outputs {
		if out == name {
			return true
		}
	}
	return false
}
