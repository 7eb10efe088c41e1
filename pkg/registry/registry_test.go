package registry_test

import (
	"testing"

	"github.com/aretw0/weft/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter struct{ prefix string }

func (g *greeter) Greet(name string) string { return g.prefix + name }

func TestRegistry_Lookup(t *testing.T) {
	r := registry.NewRegistry()
	r.Register("greeter", &greeter{prefix: "hi "})

	svc, err := r.Lookup("greeter")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", svc.(*greeter).Greet("bob"))

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, registry.ErrServiceNotFound)
}

func TestRegistry_GetTyped(t *testing.T) {
	r := registry.NewRegistry()
	r.Register("greeter", &greeter{prefix: "yo "})
	r.Register("limit", 3)

	g, err := registry.Get[*greeter](r, "greeter")
	require.NoError(t, err)
	assert.Equal(t, "yo al", g.Greet("al"))

	_, err = registry.Get[string](r, "limit")
	assert.Error(t, err)

	assert.Equal(t, []string{"greeter", "limit"}, r.Names())
}

func TestRegistry_NilIsEmpty(t *testing.T) {
	var r *registry.Registry
	_, err := r.Lookup("anything")
	assert.ErrorIs(t, err, registry.ErrServiceNotFound)
}
