package global

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
)

// Result holds the declared outputs of the sink nodes of a succeeded run.
type Result struct {
	RunID   string
	Outputs map[string]node.Outputs
}

// nodeState is the loop's view of one node. A waiting node keeps only the
// correlator id and expiry; its inputs live in the continuation.
type nodeState struct {
	n         *node.Node
	index     int
	state     domain.NodeState
	attempt   int
	remaining int
	out       node.Outputs
	err       error
	failure   *domain.NodeFailure
	retrying  bool

	correlator string
	expiresAt  time.Time

	// Set between a matched resume and the dispatch of Stage B.
	reply        *node.Reply
	resumeInputs json.RawMessage
	// A resume that overtook the completion of Stage A.
	early *resumeEvent

	cancel     context.CancelFunc
	startedAt  time.Time
	finishedAt time.Time
}

type run struct {
	id        string
	g         *graph.Graph
	cfg       submitConfig
	inputs    map[string]any
	rawInputs json.RawMessage

	status  domain.RunStatus
	nodes   map[string]*nodeState
	order   []*nodeState
	ready   []*nodeState
	resumed []*nodeState
	running int

	createdAt time.Time
	updatedAt time.Time
	deadline  *time.Timer

	done   chan struct{}
	result *Result
	err    error
}

func newRun(cfg submitConfig, g *graph.Graph, inputs map[string]any, now time.Time) *run {
	r := &run{
		id:        cfg.runID,
		g:         g,
		cfg:       cfg,
		inputs:    inputs,
		status:    domain.RunActive,
		nodes:     make(map[string]*nodeState, g.Len()),
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
	if raw, err := json.Marshal(inputs); err == nil {
		r.rawInputs = raw
	}
	for i, n := range g.Nodes() {
		ns := &nodeState{n: n, index: i, state: domain.NodePending}
		r.nodes[n.ID] = ns
		r.order = append(r.order, ns)
	}
	return r
}

// countPending sets the number of unfinished predecessors of every pending
// node and marks those without any ready.
func (r *run) countPending() {
	for _, ns := range r.order {
		if ns.state != domain.NodePending {
			continue
		}
		ns.remaining = 0
		for _, p := range r.g.Predecessors(ns.n.ID) {
			if r.nodes[p].state != domain.NodeDone {
				ns.remaining++
			}
		}
		if ns.remaining == 0 {
			r.makeReady(ns)
		}
	}
}

// makeReady queues ns in insertion order.
func (r *run) makeReady(ns *nodeState) {
	ns.state = domain.NodeReady
	i, _ := slices.BinarySearchFunc(r.ready, ns, func(a, b *nodeState) int { return cmp.Compare(a.index, b.index) })
	r.ready = slices.Insert(r.ready, i, ns)
}

// makeResumed queues ns ahead of every newly ready node.
func (r *run) makeResumed(ns *nodeState, ev *resumeEvent) {
	ns.state = domain.NodeReady
	ns.reply = &ev.reply
	ns.resumeInputs = ev.cont.Inputs
	ns.correlator = ""
	ns.expiresAt = time.Time{}
	ns.early = nil
	r.resumed = append(r.resumed, ns)
}

func (r *run) pop() *nodeState {
	if len(r.resumed) > 0 {
		ns := r.resumed[0]
		r.resumed = r.resumed[1:]
		return ns
	}
	if len(r.ready) > 0 {
		ns := r.ready[0]
		r.ready = r.ready[1:]
		return ns
	}
	return nil
}

func (r *run) hasReady() bool {
	return len(r.resumed) > 0 || len(r.ready) > 0
}

// outstanding reports whether any node may still make progress.
func (r *run) outstanding() bool {
	for _, ns := range r.order {
		if !ns.state.Terminal() || ns.retrying {
			return true
		}
	}
	return false
}

// resolve builds the inputs of ns from its bindings.
func (r *run) resolve(ns *nodeState) node.Inputs {
	bindings := r.g.Bindings(ns.n.ID)
	in := make(node.Inputs, len(bindings))
	for name, src := range bindings {
		switch src.Kind {
		case graph.SourceOutput:
			in[name] = r.nodes[src.Node].out[src.Output]
		case graph.SourceInput:
			in[name] = r.inputs[src.Name]
		default:
			in[name] = src.Value
		}
	}
	return in
}

func (r *run) outcome() (*Result, error) {
	var failures []domain.NodeFailure
	for _, ns := range r.order {
		if ns.state == domain.NodeFailed && ns.failure != nil {
			failures = append(failures, *ns.failure)
		}
	}
	if len(failures) > 0 {
		return nil, &domain.RunError{RunID: r.id, Failures: failures}
	}
	res := &Result{RunID: r.id, Outputs: make(map[string]node.Outputs)}
	for _, id := range r.g.Sinks() {
		ns := r.nodes[id]
		res.Outputs[id] = node.Declared(ns.n, ns.out)
	}
	return res, nil
}

// record snapshots the run for a RunStore. Nodes waiting for a retry are
// recorded as pending so a recovered run dispatches them again.
func (r *run) record() *domain.RunRecord {
	rec := &domain.RunRecord{
		RunID:         r.id,
		GraphName:     r.cfg.graphName,
		Status:        r.status,
		Inputs:        r.rawInputs,
		Concurrency:   r.cfg.concurrency,
		GlobalCapKey:  r.cfg.capKey,
		FailurePolicy: string(r.cfg.failure),
		Nodes:         make(map[string]domain.NodeRecord, len(r.order)),
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
	}
	if !r.cfg.deadline.IsZero() {
		d := r.cfg.deadline
		rec.Deadline = &d
	}
	for _, ns := range r.order {
		nr := domain.NodeRecord{State: ns.state, Attempt: ns.attempt}
		switch {
		case ns.retrying:
			nr.State = domain.NodePending
		case ns.state == domain.NodeDone:
			nr.Outputs = ns.out
		case ns.state == domain.NodeWaiting:
			nr.CorrelatorID = ns.correlator
		case ns.state == domain.NodeFailed:
			nr.Failure = ns.failure
		}
		if !ns.startedAt.IsZero() {
			t := ns.startedAt
			nr.StartedAt = &t
		}
		if !ns.finishedAt.IsZero() {
			t := ns.finishedAt
			nr.FinishedAt = &t
		}
		rec.Nodes[ns.n.ID] = nr
	}
	return rec
}
