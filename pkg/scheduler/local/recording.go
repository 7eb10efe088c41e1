package local

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
)

var errRecordingClosed = errors.New("recording is closed: node called after Run returned")

// Edge is a recorded dependency. Output is empty for control edges.
type Edge struct {
	From   string
	To     string
	Output string
}

type entry struct {
	call     *Call
	bindings map[string]graph.Source
	after    []string
}

// Recording is the append-only log of node calls made during one Run. It is
// only appended to while the Run executes and is read-only afterwards.
type Recording struct {
	runID string

	mu      sync.RWMutex
	entries []*entry
	edges   []Edge
	names   map[string]bool
	counts  map[string]int
	sealed  bool
	g       *graph.Graph
}

func newRecording(runID string) *Recording {
	return &Recording{
		runID:  runID,
		names:  make(map[string]bool),
		counts: make(map[string]int),
	}
}

// add records a call of n. Repeated calls of the same node get ids with a
// #k suffix (load, load#2, ...).
func (r *Recording) add(n *node.Node, in map[string]any, after []*Call) (*Call, node.Inputs, error) {
	if err := n.Validate(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, nil, errRecordingClosed
	}

	id := r.uniqueID(n.ID)
	bindings := make(map[string]graph.Source, len(in))
	inputs := make(node.Inputs, len(in))
	var edges []Edge
	for name, v := range in {
		ref, ok := v.(Ref)
		if !ok {
			bindings[name] = graph.Value(v)
			inputs[name] = v
			continue
		}
		if ref.call == nil || ref.call.rec != r {
			return nil, nil, fmt.Errorf("%w: input %q of %q refers to a call outside this run", domain.ErrGraphBuild, name, id)
		}
		if !ref.call.node.HasOutput(ref.output) {
			return nil, nil, &domain.DanglingReferenceError{NodeID: id, Producer: ref.call.id, Output: ref.output}
		}
		bindings[name] = graph.From(ref.call.id, ref.output)
		inputs[name] = ref
		edges = append(edges, Edge{From: ref.call.id, To: id, Output: ref.output})
	}
	ids := make([]string, 0, len(after))
	for _, a := range after {
		if a == nil || a.rec != r {
			return nil, nil, fmt.Errorf("%w: %q is ordered after a call outside this run", domain.ErrGraphBuild, id)
		}
		ids = append(ids, a.id)
		edges = append(edges, Edge{From: a.id, To: id})
	}

	copied := *n
	copied.ID = id
	if copied.Alias != "" && r.names[copied.Alias] {
		copied.Alias = ""
	}
	r.names[id] = true
	if copied.Alias != "" {
		r.names[copied.Alias] = true
	}

	c := newCall(id, &copied, r)
	r.entries = append(r.entries, &entry{call: c, bindings: bindings, after: ids})
	r.edges = append(r.edges, edges...)
	return c, inputs, nil
}

func (r *Recording) uniqueID(base string) string {
	for {
		r.counts[base]++
		id := base
		if k := r.counts[base]; k > 1 {
			id = fmt.Sprintf("%s#%d", base, k)
		}
		if !r.names[id] {
			return id
		}
	}
}

// seal closes the recording and builds its graph snapshot. Producers are
// always recorded before their consumers, so the snapshot is valid.
func (r *Recording) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true

	g := graph.New()
	for _, e := range r.entries {
		if err := g.AddNode(e.call.node, e.bindings, e.after...); err != nil {
			return
		}
	}
	if g.Validate() == nil {
		r.g = g
	}
}

// RunID returns the id of the recorded run.
func (r *Recording) RunID() string { return r.runID }

// Nodes returns the recorded node ids in call order.
func (r *Recording) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.entries))
	for i, e := range r.entries {
		ids[i] = e.call.id
	}
	return ids
}

// Edges returns the recorded data and control edges.
func (r *Recording) Edges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Edge(nil), r.edges...)
}

// State returns the state of a recorded node.
func (r *Recording) State(id string) domain.NodeState {
	if c := r.call(id); c != nil {
		state, _, _ := c.snapshot()
		return state
	}
	return ""
}

// Outputs returns the outputs of a finished node.
func (r *Recording) Outputs(id string) node.Outputs {
	if c := r.call(id); c != nil {
		_, out, _ := c.snapshot()
		return out
	}
	return nil
}

// Err returns the failure of a recorded node.
func (r *Recording) Err(id string) error {
	if c := r.call(id); c != nil {
		_, _, err := c.snapshot()
		return err
	}
	return nil
}

// Graph returns a validated graph snapshot of the recording, available once
// the Run has returned.
func (r *Recording) Graph() *graph.Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.g
}

func (r *Recording) call(id string) *Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.call.id == id {
			return e.call
		}
	}
	return nil
}

func (r *Recording) failed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if state, _, _ := e.call.snapshot(); state == domain.NodeFailed {
			return true
		}
	}
	return false
}
