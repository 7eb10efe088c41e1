package graph_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	presentation "github.com/aretw0/weft/internal/presentation/graph"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
)

func run(id string, outputs ...string) *node.Node {
	return &node.Node{
		ID:      id,
		Outputs: outputs,
		Run: func(context.Context, node.Inputs, node.Env) (any, error) {
			return nil, nil
		},
	}
}

func reviewGraph(t *testing.T) *graph.Graph {
	t.Helper()
	ask := &node.Node{
		ID:          "approve-doc",
		DisplayName: `Approve "draft"`,
		Outputs:     []string{"approved"},
		Wait: &node.TwoStage{
			Request: func(context.Context, node.Inputs, node.Env) (node.WaitSpec, error) {
				return node.WaitSpec{Kind: domain.ResumeApproval}, nil
			},
			Resume: func(_ context.Context, _ node.Inputs, r node.Reply, _ node.Env) (any, error) {
				return r.Payload, nil
			},
		},
	}
	g := graph.New()
	require.NoError(t, g.AddNode(run("fetch", "doc"), map[string]graph.Source{"url": graph.Input("url")}))
	require.NoError(t, g.AddNode(ask, map[string]graph.Source{"text": graph.From("fetch", "doc")}))
	require.NoError(t, g.AddNode(run("notify", "status"), map[string]graph.Source{"doc": graph.From("fetch", "doc")}, "approve-doc"))
	require.NoError(t, g.Validate())
	return g
}

func TestGenerateMermaid(t *testing.T) {
	got := presentation.GenerateMermaid(reviewGraph(t), nil)

	tests := []struct {
		name string
		want string
	}{
		{"Entry Node Shape", `fetch(("fetch"))`},
		{"Waiting Node Shape", `approve_doc[/"Approve 'draft'"/]`},
		{"Default Shape", `notify["notify"]`},
		{"Renamed Data Edge", `fetch -- "doc → text" --> approve_doc`},
		{"Data Edge", `fetch -- "doc" --> notify`},
		{"Control Edge", `approve_doc -.-> notify`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, got, tt.want)
		})
	}
	assert.True(t, strings.HasPrefix(got, "graph TD\n"))
	assert.NotContains(t, got, "classDef")
}

func TestGenerateMermaid_RunOverlay(t *testing.T) {
	rec := &domain.RunRecord{
		RunID: "r1",
		Nodes: map[string]domain.NodeRecord{
			"fetch":       {State: domain.NodeDone},
			"approve-doc": {State: domain.NodeWaiting},
			"notify":      {State: domain.NodePending},
		},
	}
	got := presentation.GenerateMermaid(reviewGraph(t), rec)

	assert.Contains(t, got, "class fetch done;")
	assert.Contains(t, got, "class approve_doc waiting;")
	assert.NotContains(t, got, "class notify")
}
