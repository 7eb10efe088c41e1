/*
Package graph is the build-once model of a task graph.

Nodes are added with their input bindings (From, Input, Value) and optional
control predecessors. Validate resolves forward references, rejects cycles and
seals the graph; TopologicalOrder is deterministic, breaking ties by insertion
order.

	g := graph.New()
	_ = g.AddNode(load, nil)
	_ = g.AddNode(clean, map[string]graph.Source{"rows": graph.From("load", "rows")})
	order, err := g.TopologicalOrder()
*/
package graph
