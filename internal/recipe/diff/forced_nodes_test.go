package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
)

func newRequiredFile(name string) *data.Parameter {
	return data.NewFileParameter(name, nil, true, false)
}

func TestForcedNodes_AllPropagatesToSubRecipes(t *testing.T) {
	f := NewForcedNodes()
	f.SetAllNodes()
	for _, name := range []string{"never-added", "other"} {
		sub := f.GetForcedNodesForSubRecipe(name)
		require.NotNil(t, sub)
		assert.True(t, sub.AllNodes())
	}
	assert.True(t, f.IsNodeForcedToReprocess("anything"))
}

func TestForcedNodes_Explicit(t *testing.T) {
	sub := NewForcedNodes()
	sub.AddNode("inner")
	f := NewForcedNodes()
	f.AddNode("a")
	f.AddSubRecipe("r", sub)

	assert.True(t, f.IsNodeForcedToReprocess("a"))
	assert.True(t, f.IsNodeForcedToReprocess("r"))
	assert.False(t, f.IsNodeForcedToReprocess("b"))
	assert.Equal(t, []string{"a", "r"}, f.GetForcedNodeNames())
	assert.Equal(t, []string{"r"}, f.GetSubRecipeNames())
	assert.Same(t, sub, f.GetForcedNodesForSubRecipe("r"))
	assert.Nil(t, f.GetForcedNodesForSubRecipe("a"))
}

func TestForcedNodes_JSON(t *testing.T) {
	tests := map[string]struct {
		build    func() *ForcedNodes
		expected string
	}{
		"all": {
			build:    AllForcedNodes,
			expected: `{"version":"7","all":true}`,
		},
		"nested": {
			build: func() *ForcedNodes {
				sub := NewForcedNodes()
				sub.AddNode("inner")
				f := NewForcedNodes()
				f.AddNode("a")
				f.AddSubRecipe("r", sub)
				return f
			},
			expected: `{"version":"7","all":false,"nodes":["a","r"],"sub_recipes":{"r":{"all":false,"nodes":["inner"]}}}`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := json.Marshal(tc.build())
			require.NoError(t, err)
			assert.JSONEq(t, tc.expected, string(b))

			parsed := NewForcedNodes()
			require.NoError(t, json.Unmarshal(b, parsed))
			reencoded, err := json.Marshal(parsed)
			require.NoError(t, err)
			assert.JSONEq(t, string(b), string(reencoded))
		})
	}
}

func TestForcedNodes_InvalidJSON(t *testing.T) {
	err := json.Unmarshal([]byte(`{"version":"2","all":true}`), NewForcedNodes())
	assert.True(t, batchflowerrors.IsKind(err, batchflowerrors.KindInvalidForcedNodes))
	err = json.Unmarshal([]byte(`{"all":false,"sub_recipes":{"r":null}}`), NewForcedNodes())
	assert.True(t, batchflowerrors.IsKind(err, batchflowerrors.KindInvalidForcedNodes))
}
