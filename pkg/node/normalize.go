package node

import (
	"fmt"
	"reflect"

	"github.com/aretw0/weft/pkg/domain"
)

// Normalize turns a node body's return value into a named-output record:
//
//   - nil                        -> empty record
//   - Outputs / string-keyed map -> used as-is
//   - Tuple or Go array          -> out0, out1, ...
//   - any other value            -> the sole declared output
//
// A single value with zero or several declared outputs is a ReturnShapeError.
func Normalize(n *Node, result any) (Outputs, error) {
	switch v := result.(type) {
	case nil:
		return Outputs{}, nil
	case Outputs:
		return copyRecord(v), nil
	case map[string]any:
		return copyRecord(v), nil
	case Tuple:
		return positional(len(v), func(i int) any { return v[i] }), nil
	}

	rv := reflect.ValueOf(result)
	switch {
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		out := make(Outputs, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case rv.Kind() == reflect.Array:
		return positional(rv.Len(), func(i int) any { return rv.Index(i).Interface() }), nil
	}

	if len(n.Outputs) == 1 {
		return Outputs{n.Outputs[0]: result}, nil
	}
	return nil, &domain.ReturnShapeError{
		NodeID:   n.ID,
		Declared: append([]string(nil), n.Outputs...),
		Type:     fmt.Sprintf("%T", result),
	}
}

// Check verifies every declared output is present in out.
func Check(n *Node, out Outputs) error {
	var missing []string
	for _, name := range n.Outputs {
		if _, ok := out[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &domain.MissingOutputError{NodeID: n.ID, Missing: missing}
	}
	return nil
}

// Declared returns only the declared outputs of out.
func Declared(n *Node, out Outputs) Outputs {
	filtered := make(Outputs, len(n.Outputs))
	for _, name := range n.Outputs {
		if v, ok := out[name]; ok {
			filtered[name] = v
		}
	}
	return filtered
}

func positional(size int, at func(int) any) Outputs {
	out := make(Outputs, size)
	for i := 0; i < size; i++ {
		out[fmt.Sprintf("out%d", i)] = at(i)
	}
	return out
}

func copyRecord[M ~map[string]any](in M) Outputs {
	out := make(Outputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
