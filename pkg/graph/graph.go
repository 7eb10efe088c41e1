package graph

import (
	"container/heap"
	"fmt"
	"slices"
	"sync"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
)

type entry struct {
	node     *node.Node
	index    int
	bindings map[string]Source
	after    []string

	preds []int
	succs []int
}

// Graph is a set of nodes joined by data and control edges. It is built with
// AddNode, sealed by Validate and read-only afterwards, so one Graph may be
// executed by many runs concurrently.
type Graph struct {
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	aliases map[string]*entry
	sealed  bool
	order   []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		byID:    make(map[string]*entry),
		aliases: make(map[string]*entry),
	}
}

// AddNode adds n with its input bindings and control predecessors.
// Producers may be added later; references to producers that already exist
// are checked immediately.
func (g *Graph) AddNode(n *node.Node, inputs map[string]Source, after ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return domain.ErrGraphSealed
	}
	if err := n.Validate(); err != nil {
		return err
	}
	if g.taken(n.ID) {
		return &domain.DuplicateIDError{ID: n.ID}
	}
	if n.Alias != "" && n.Alias != n.ID && g.taken(n.Alias) {
		return &domain.DuplicateIDError{ID: n.Alias}
	}

	bindings := make(map[string]Source, len(inputs))
	for name, src := range inputs {
		if src.Kind == SourceOutput {
			if producer := g.lookup(src.Node); producer != nil && !producer.node.HasOutput(src.Output) {
				return &domain.DanglingReferenceError{NodeID: n.ID, Producer: src.Node, Output: src.Output}
			}
		}
		bindings[name] = src
	}

	e := &entry{
		node:     n,
		index:    len(g.entries),
		bindings: bindings,
		after:    append([]string(nil), after...),
	}
	g.entries = append(g.entries, e)
	g.byID[n.ID] = e
	if n.Alias != "" {
		g.aliases[n.Alias] = e
	}
	return nil
}

// Validate resolves every reference, rejects cycles and seals the graph.
// It is idempotent.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return nil
	}

	for _, e := range g.entries {
		e.preds, e.succs = nil, nil
	}
	for _, e := range g.entries {
		for name, src := range e.bindings {
			if src.Kind != SourceOutput {
				continue
			}
			producer := g.lookup(src.Node)
			if producer == nil || !producer.node.HasOutput(src.Output) {
				return &domain.DanglingReferenceError{NodeID: e.node.ID, Producer: src.Node, Output: src.Output}
			}
			src.Node = producer.node.ID
			e.bindings[name] = src
			link(producer, e)
		}
		for i, ref := range e.after {
			producer := g.lookup(ref)
			if producer == nil {
				return &domain.DanglingReferenceError{NodeID: e.node.ID, Producer: ref}
			}
			e.after[i] = producer.node.ID
			link(producer, e)
		}
	}
	for _, e := range g.entries {
		slices.Sort(e.preds)
		slices.Sort(e.succs)
	}

	if cycle := g.findCycle(); cycle != nil {
		return &domain.CycleError{NodeIDs: cycle}
	}
	g.order = g.kahn()
	g.sealed = true
	return nil
}

// Sealed reports whether Validate has succeeded.
func (g *Graph) Sealed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sealed
}

// TopologicalOrder returns the node ids so that every node follows all of its
// predecessors. Ties are broken by insertion order, so the result is stable.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order), nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*node.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// Lookup finds a node by id or alias.
func (g *Graph) Lookup(idOrAlias string) (*node.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e := g.lookup(idOrAlias); e != nil {
		return e.node, true
	}
	return nil, false
}

// Index returns the insertion index of id, or -1.
func (g *Graph) Index(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.byID[id]; ok {
		return e.index
	}
	return -1
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*node.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*node.Node, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.node
	}
	return out
}

// Predecessors returns the ids of the data and control predecessors of id,
// in insertion order. Edges are resolved by Validate.
func (g *Graph) Predecessors(id string) []string {
	return g.neighbours(id, func(e *entry) []int { return e.preds })
}

// Dependents returns the ids of the nodes that depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.neighbours(id, func(e *entry) []int { return e.succs })
}

// Bindings returns a copy of the input bindings of id.
func (g *Graph) Bindings(id string) map[string]Source {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.byID[id]
	if !ok {
		return nil
	}
	out := make(map[string]Source, len(e.bindings))
	for k, v := range e.bindings {
		out[k] = v
	}
	return out
}

// After returns the control predecessors declared for id.
func (g *Graph) After(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.byID[id]; ok {
		return slices.Clone(e.after)
	}
	return nil
}

// Sinks returns the ids of nodes without dependents, in insertion order.
func (g *Graph) Sinks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.entries {
		if len(e.succs) == 0 {
			out = append(out, e.node.ID)
		}
	}
	return out
}

func (g *Graph) taken(id string) bool {
	_, byID := g.byID[id]
	_, byAlias := g.aliases[id]
	return byID || byAlias
}

func (g *Graph) lookup(ref string) *entry {
	if e, ok := g.byID[ref]; ok {
		return e
	}
	return g.aliases[ref]
}

func (g *Graph) neighbours(id string, pick func(*entry) []int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.byID[id]
	if !ok {
		return nil
	}
	idx := pick(e)
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = g.entries[j].node.ID
	}
	return out
}

func link(from, to *entry) {
	if !slices.Contains(to.preds, from.index) {
		to.preds = append(to.preds, from.index)
		from.succs = append(from.succs, to.index)
	}
}

// findCycle runs a colouring DFS along dependency edges and returns the ids
// of the first cycle found, in edge order.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(g.entries))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		colour[i] = grey
		stack = append(stack, i)
		for _, j := range g.entries[i].succs {
			switch colour[j] {
			case grey:
				start := slices.Index(stack, j)
				for _, k := range stack[start:] {
					cycle = append(cycle, g.entries[k].node.ID)
				}
				return true
			case white:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[i] = black
		return false
	}

	for i := range g.entries {
		if colour[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

// kahn orders the (acyclic) graph, always emitting the lowest ready index.
func (g *Graph) kahn() []string {
	indegree := make([]int, len(g.entries))
	ready := &indexHeap{}
	for i, e := range g.entries {
		indegree[i] = len(e.preds)
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]string, 0, len(g.entries))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, g.entries[i].node.ID)
		for _, j := range g.entries[i].succs {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}
	if len(order) != len(g.entries) {
		panic(fmt.Sprintf("graph: topological sort emitted %d of %d nodes", len(order), len(g.entries)))
	}
	return order
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
