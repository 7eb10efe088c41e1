package graph

import "fmt"

// SourceKind tells where an input binding takes its value from.
type SourceKind int

const (
	// SourceOutput reads a named output of a producer node (a data edge).
	SourceOutput SourceKind = iota
	// SourceInput reads a run-level input.
	SourceInput
	// SourceValue is a literal.
	SourceValue
)

// Source is the right-hand side of an input binding.
type Source struct {
	Kind   SourceKind
	Node   string
	Output string
	Name   string
	Value  any
}

// From binds an input to output of producer.
func From(producer, output string) Source {
	return Source{Kind: SourceOutput, Node: producer, Output: output}
}

// Input binds an input to the run-level input name.
func Input(name string) Source {
	return Source{Kind: SourceInput, Name: name}
}

// Value binds an input to a literal.
func Value(v any) Source {
	return Source{Kind: SourceValue, Value: v}
}

func (s Source) String() string {
	switch s.Kind {
	case SourceOutput:
		return s.Node + "." + s.Output
	case SourceInput:
		return "$" + s.Name
	default:
		return fmt.Sprintf("%v", s.Value)
	}
}
