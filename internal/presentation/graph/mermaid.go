package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
)

// GenerateMermaid produces a Mermaid flowchart of g.
// It applies semantic styling:
//   - Entry (no predecessors): ((Circle))
//   - Waiting node (two-stage body): [/Parallelogram/]
//   - Default: [Rectangle]
//
// Data edges are labelled with the output they carry; control edges declared
// with "after" are dotted. When run is given, nodes are styled by their state.
func GenerateMermaid(g *graph.Graph, run *domain.RunRecord) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, n := range g.Nodes() {
		safeID := sanitizeMermaidID(n.ID)

		opener, closer := "[", "]"
		switch {
		case len(g.Predecessors(n.ID)) == 0:
			opener, closer = "((", "))"
		case n.Suspends():
			opener, closer = "[/", "/]"
		}
		label := strings.ReplaceAll(n.Label(), "\"", "'")
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, label, closer)

		bindings := g.Bindings(n.ID)
		inputs := make([]string, 0, len(bindings))
		for in := range bindings {
			inputs = append(inputs, in)
		}
		sort.Strings(inputs)
		for _, in := range inputs {
			src := bindings[in]
			if src.Kind != graph.SourceOutput {
				continue
			}
			edge := src.Output
			if edge != in {
				edge += " → " + in
			}
			fmt.Fprintf(&sb, "    %s -- \"%s\" --> %s\n", sanitizeMermaidID(src.Node), edge, safeID)
		}
		for _, before := range g.After(n.ID) {
			fmt.Fprintf(&sb, "    %s -.-> %s\n", sanitizeMermaidID(before), safeID)
		}
	}

	if run != nil {
		sb.WriteString("\n    %% Run State\n")
		// Force black text (color:#000) for contrast on any theme
		sb.WriteString("    classDef done fill:#e8f5e9,stroke:#2e7d32,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef running fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef waiting fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		sb.WriteString("    classDef failed fill:#ffebee,stroke:#c62828,stroke-width:2px,color:#000;\n")

		for _, n := range g.Nodes() {
			rec, ok := run.Nodes[n.ID]
			if !ok {
				continue
			}
			switch rec.State {
			case domain.NodeDone, domain.NodeRunning, domain.NodeWaiting, domain.NodeFailed:
				fmt.Fprintf(&sb, "    class %s %s;\n", sanitizeMermaidID(n.ID), rec.State)
			}
		}
	}

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "#", "_")
	return s
}
