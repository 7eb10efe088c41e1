package process

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
)

// Keys of a node entry that configure the body rather than the declaration.
var bodyKeys = []string{"run", "command", "args", "env", "bind", "ask"}

// AskConfig turns a node into a two-stage wait. ${name} in Prompt expands to
// the node input of that name.
type AskConfig struct {
	Prompt      string   `mapstructure:"prompt"`
	Destination string   `mapstructure:"destination"`
	Kind        string   `mapstructure:"kind"`
	Choices     []string `mapstructure:"choices"`
	Timeout     string   `mapstructure:"timeout"`
}

type body struct {
	Run     string            `mapstructure:"run"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Bind    map[string]string `mapstructure:"bind"`
	Ask     *AskConfig        `mapstructure:"ask"`
}

// LoadGraph reads and builds the graph file at path. Commands listed in the
// file are added to the runner's allow-list.
func LoadGraph(path string, opts ...RunnerOption) (*graph.Graph, string, error) {
	f, err := ReadGraphFile(path)
	if err != nil {
		return nil, "", err
	}
	r := NewRunner(append([]RunnerOption{WithRegistry(commandMap(f.Commands))}, opts...)...)
	g, err := r.Build(f)
	if err != nil {
		return nil, "", err
	}
	return g, f.Name, nil
}

// Build turns the nodes of f into a validated graph. Every node needs exactly
// one of run (a registered command), command (inline) or ask. Bindings are
// "node.output" for a data edge or "$name" for a run input; any key not
// recognised as part of the declaration is a literal input.
func (r *Runner) Build(f *GraphFile) (*graph.Graph, error) {
	for name, c := range commandMap(f.Commands) {
		if _, ok := r.registry[name]; !ok {
			r.registry[name] = RegisteredProcess{Command: c.Command, Args: c.Args, Env: c.Environment}
		}
	}

	g := graph.New()
	for i, raw := range f.Nodes {
		decl := make(map[string]any, len(raw))
		for k, v := range raw {
			decl[k] = v
		}
		bodyRaw := make(map[string]any)
		for _, k := range bodyKeys {
			if v, ok := decl[k]; ok {
				bodyRaw[k] = v
				delete(decl, k)
			}
		}

		d, literals, err := node.Declare(decl)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		var b body
		if err := mapstructure.WeakDecode(bodyRaw, &b); err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", domain.ErrGraphBuild, d.ID, err)
		}

		n, err := r.node(d, b)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", d.ID, err)
		}

		inputs := make(map[string]graph.Source, len(literals)+len(b.Bind))
		for k, v := range literals {
			inputs[k] = graph.Value(v)
		}
		for k, ref := range b.Bind {
			src, err := parseBinding(ref)
			if err != nil {
				return nil, fmt.Errorf("node %s input %s: %w", d.ID, k, err)
			}
			inputs[k] = src
		}
		if err := g.AddNode(n, inputs, d.After...); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Runner) node(d node.Declaration, b body) (*node.Node, error) {
	set := 0
	for _, ok := range []bool{b.Run != "", b.Command != "", b.Ask != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: exactly one of run, command or ask is required", domain.ErrGraphBuild)
	}

	switch {
	case b.Ask != nil:
		wait, err := askStages(*b.Ask)
		if err != nil {
			return nil, err
		}
		return d.WaitNode(wait), nil
	case b.Run != "":
		fn, err := r.Func(b.Run)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrGraphBuild, err)
		}
		return d.Node(fn), nil
	default:
		fn, err := r.Inline(RegisteredProcess{Command: b.Command, Args: b.Args, Env: b.Env})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrGraphBuild, err)
		}
		return d.Node(fn), nil
	}
}

func askStages(cfg AskConfig) (*node.TwoStage, error) {
	var timeout time.Duration
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ask timeout %q", domain.ErrGraphBuild, cfg.Timeout)
		}
		timeout = d
	}
	kind := domain.ResumeKind(cfg.Kind)
	switch kind {
	case "":
		kind = domain.ResumeInput
		if len(cfg.Choices) > 0 {
			kind = domain.ResumeChoice
		}
	case domain.ResumeInput, domain.ResumeChoice, domain.ResumeApproval, domain.ResumeEvent:
	default:
		return nil, fmt.Errorf("%w: unknown ask kind %q", domain.ErrGraphBuild, cfg.Kind)
	}

	return &node.TwoStage{
		Request: func(ctx context.Context, in node.Inputs, env node.Env) (node.WaitSpec, error) {
			return node.WaitSpec{
				Destination: cfg.Destination,
				Kind:        kind,
				Prompt:      os.Expand(cfg.Prompt, func(k string) string { return stringify(in[k]) }),
				Choices:     cfg.Choices,
				Timeout:     timeout,
			}, nil
		},
		Resume: func(ctx context.Context, in node.Inputs, reply node.Reply, env node.Env) (any, error) {
			if kind == domain.ResumeApproval {
				return channel.Approved(reply.Payload), nil
			}
			return reply.Payload, nil
		},
	}, nil
}

func parseBinding(ref string) (graph.Source, error) {
	if name, ok := strings.CutPrefix(ref, "$"); ok {
		if name == "" {
			return graph.Source{}, fmt.Errorf("%w: empty run input name", domain.ErrGraphBuild)
		}
		return graph.Input(name), nil
	}
	producer, output, ok := strings.Cut(ref, ".")
	if !ok || producer == "" || output == "" {
		return graph.Source{}, fmt.Errorf("%w: binding %q is neither node.output nor $input", domain.ErrGraphBuild, ref)
	}
	return graph.From(producer, output), nil
}
