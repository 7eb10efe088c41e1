package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/node"
)

func TestDeclare_ConsumesControlKeys(t *testing.T) {
	decl, literals, err := node.Declare(map[string]any{
		"name":         "clean",
		"id":           "clean_a",
		"outputs":      []any{"rows"},
		"inputs":       []string{"raw"},
		"after":        "load",
		"alias":        "ca",
		"labels":       []any{"etl", "cleaning"},
		"display_name": "Clean A",
		"threshold":    0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "clean_a", decl.ID)
	assert.Equal(t, "clean", decl.Name)
	assert.Equal(t, []string{"rows"}, decl.Outputs)
	assert.Equal(t, []string{"load"}, decl.After)
	assert.Equal(t, "ca", decl.Alias)
	assert.Equal(t, []string{"etl", "cleaning"}, decl.Labels)
	assert.Equal(t, "Clean A", decl.DisplayName)
	assert.Equal(t, map[string]any{"threshold": 0.5}, literals)

	n := decl.Node(nil)
	assert.Equal(t, "Clean A", n.Label())
	assert.True(t, n.HasOutput("rows"))
}

func TestDeclare_IDDefaultsToName(t *testing.T) {
	decl, _, err := node.Declare(map[string]any{"name": "load", "outputs": []string{}})
	require.NoError(t, err)
	assert.Equal(t, "load", decl.ID)
}

func TestDeclare_RequiresOutputs(t *testing.T) {
	_, _, err := node.Declare(map[string]any{"name": "load"})
	assert.ErrorIs(t, err, domain.ErrGraphBuild)
}

func TestDeclare_RequiresIdentity(t *testing.T) {
	_, _, err := node.Declare(map[string]any{"outputs": []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrGraphBuild)
}
