package graph_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
)

func mk(id string, outputs ...string) *node.Node {
	return &node.Node{
		ID:      id,
		Outputs: outputs,
		Run: func(context.Context, node.Inputs, node.Env) (any, error) {
			return nil, nil
		},
	}
}

func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(mk("load", "rows"), nil))
	require.NoError(t, g.AddNode(mk("clean_a", "rows"), map[string]graph.Source{"rows": graph.From("load", "rows")}))
	require.NoError(t, g.AddNode(mk("clean_b", "rows"), map[string]graph.Source{"rows": graph.From("load", "rows")}))
	require.NoError(t, g.AddNode(mk("merge", "rows"), map[string]graph.Source{
		"a": graph.From("clean_a", "rows"),
		"b": graph.From("clean_b", "rows"),
	}))
	return g
}

func TestTopologicalOrder_Diamond(t *testing.T) {
	g := diamond(t)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "clean_a", "clean_b", "merge"}, order)

	assert.Equal(t, []string{"clean_a", "clean_b"}, g.Predecessors("merge"))
	assert.Equal(t, []string{"clean_a", "clean_b"}, g.Dependents("load"))
	assert.Equal(t, []string{"merge"}, g.Sinks())
}

func TestTopologicalOrder_TieBreakByInsertion(t *testing.T) {
	g := graph.New()
	// c is inserted first but depends on b; a is independent.
	require.NoError(t, g.AddNode(mk("c"), nil, "b"))
	require.NoError(t, g.AddNode(mk("a"), nil))
	require.NoError(t, g.AddNode(mk("b"), nil))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopologicalOrder_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 50; trial++ {
		size := 2 + rng.IntN(20)
		perm := rng.Perm(size)
		g := graph.New()
		edges := map[string][]string{}

		// Edges only go from lower to higher rank, so the graph is acyclic;
		// insertion order is a random permutation so forward refs occur.
		for _, rank := range perm {
			id := fmt.Sprintf("n%d", rank)
			var after []string
			for p := 0; p < rank; p++ {
				if rng.IntN(3) == 0 {
					after = append(after, fmt.Sprintf("n%d", p))
				}
			}
			edges[id] = after
			require.NoError(t, g.AddNode(mk(id), nil, after...))
		}

		first, err := g.TopologicalOrder()
		require.NoError(t, err)
		second, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, first, second, "order must be stable")

		pos := map[string]int{}
		for i, id := range first {
			pos[id] = i
		}
		require.Len(t, pos, size)
		for id, preds := range edges {
			for _, p := range preds {
				assert.Less(t, pos[p], pos[id], "%s must precede %s", p, id)
			}
		}
	}
}

func TestValidate_Cycle(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(mk("a", "x"), map[string]graph.Source{"in": graph.From("c", "x")}))
	require.NoError(t, g.AddNode(mk("b", "x"), map[string]graph.Source{"in": graph.From("a", "x")}))
	require.NoError(t, g.AddNode(mk("c", "x"), nil, "b"))
	require.NoError(t, g.AddNode(mk("d", "x"), map[string]graph.Source{"in": graph.From("c", "x")}))

	err := g.Validate()
	var cycle *domain.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.ErrorIs(t, err, domain.ErrGraphBuild)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle.NodeIDs)
	assert.NotContains(t, cycle.NodeIDs, "d")
	assert.False(t, g.Sealed())

	_, err = g.TopologicalOrder()
	assert.ErrorAs(t, err, &cycle)
}

func TestValidate_SelfLoop(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(mk("a"), nil, "a"))

	var cycle *domain.CycleError
	require.ErrorAs(t, g.Validate(), &cycle)
	assert.Equal(t, []string{"a"}, cycle.NodeIDs)
}

func TestAddNode_DuplicateID(t *testing.T) {
	g := graph.New()
	a := mk("a")
	a.Alias = "first"
	require.NoError(t, g.AddNode(a, nil))

	var dup *domain.DuplicateIDError
	require.ErrorAs(t, g.AddNode(mk("a"), nil), &dup)
	assert.Equal(t, "a", dup.ID)

	require.ErrorAs(t, g.AddNode(mk("first"), nil), &dup)

	b := mk("b")
	b.Alias = "a"
	require.ErrorAs(t, g.AddNode(b, nil), &dup)
}

func TestAddNode_DanglingOutput(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(mk("load", "rows"), nil))

	err := g.AddNode(mk("clean"), map[string]graph.Source{"in": graph.From("load", "columns")})
	var dangling *domain.DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "columns", dangling.Output)
	assert.Equal(t, 1, g.Len())
}

func TestValidate_UnresolvedForwardReference(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(mk("clean"), map[string]graph.Source{"in": graph.From("load", "rows")}))

	var dangling *domain.DanglingReferenceError
	require.ErrorAs(t, g.Validate(), &dangling)
	assert.Equal(t, "load", dangling.Producer)

	// The graph stays open so the missing producer can still be added.
	require.NoError(t, g.AddNode(mk("load", "rows"), nil))
	require.NoError(t, g.Validate())
	assert.Equal(t, []string{"load"}, g.Predecessors("clean"))
}

func TestValidate_UnknownControlPredecessor(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(mk("a"), nil, "ghost"))

	var dangling *domain.DanglingReferenceError
	require.ErrorAs(t, g.Validate(), &dangling)
	assert.Empty(t, dangling.Output)
}

func TestValidate_SealsGraph(t *testing.T) {
	g := diamond(t)
	require.NoError(t, g.Validate())
	require.NoError(t, g.Validate())

	assert.ErrorIs(t, g.AddNode(mk("late"), nil), domain.ErrGraphSealed)
	assert.ErrorIs(t, g.AddNode(mk("late"), nil), domain.ErrGraphBuild)
}

func TestAliasReferencesResolveToIDs(t *testing.T) {
	g := graph.New()
	load := mk("load_v2", "rows")
	load.Alias = "load"
	require.NoError(t, g.AddNode(load, nil))
	require.NoError(t, g.AddNode(mk("clean"), map[string]graph.Source{
		"rows":  graph.From("load", "rows"),
		"limit": graph.Value(10),
		"day":   graph.Input("day"),
	}))
	require.NoError(t, g.Validate())

	n, ok := g.Lookup("load")
	require.True(t, ok)
	assert.Equal(t, "load_v2", n.ID)

	b := g.Bindings("clean")
	assert.Equal(t, "load_v2", b["rows"].Node)
	assert.Equal(t, graph.SourceValue, b["limit"].Kind)
	assert.Equal(t, "$day", b["day"].String())
}
