package node

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/weft/pkg/domain"
)

// Declaration is the decoded node declaration contract.
type Declaration struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Version     string   `mapstructure:"version"`
	Inputs      []string `mapstructure:"inputs"`
	Outputs     []string `mapstructure:"outputs"`
	After       []string `mapstructure:"after"`
	Alias       string   `mapstructure:"alias"`
	Labels      []string `mapstructure:"labels"`
	DisplayName string   `mapstructure:"display_name"`
}

// Declare decodes a raw declaration. Recognised keys are consumed; every
// other key is returned as a literal input for the callable. A single string
// is accepted wherever a list is expected (e.g. after: "load").
func Declare(raw map[string]any) (Declaration, map[string]any, error) {
	var decl Declaration
	if _, ok := raw["outputs"]; !ok {
		return decl, nil, fmt.Errorf("%w: declaration is missing outputs", domain.ErrGraphBuild)
	}

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           &decl,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return decl, nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return decl, nil, fmt.Errorf("%w: invalid declaration: %v", domain.ErrGraphBuild, err)
	}

	if decl.ID == "" {
		decl.ID = decl.Name
	}
	if decl.ID == "" {
		return decl, nil, fmt.Errorf("%w: declaration needs an id or name", domain.ErrGraphBuild)
	}

	literals := make(map[string]any, len(md.Unused))
	for _, key := range md.Unused {
		literals[key] = raw[key]
	}
	return decl, literals, nil
}

// Node builds a single-stage node from the declaration.
func (d Declaration) Node(run Func) *Node {
	n := d.base()
	n.Run = run
	return n
}

// WaitNode builds a two-stage node from the declaration.
func (d Declaration) WaitNode(wait *TwoStage) *Node {
	n := d.base()
	n.Wait = wait
	return n
}

func (d Declaration) base() *Node {
	return &Node{
		ID:          d.ID,
		Name:        d.Name,
		Version:     d.Version,
		Alias:       d.Alias,
		DisplayName: d.DisplayName,
		Labels:      append([]string(nil), d.Labels...),
		Inputs:      append([]string(nil), d.Inputs...),
		Outputs:     append([]string(nil), d.Outputs...),
	}
}
