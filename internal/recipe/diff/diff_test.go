package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/recipe/definition"
)

type jobNode struct {
	name, jobType, version string
	parents                []string
}

func buildDefinition(t *testing.T, nodes ...jobNode) *definition.RecipeDefinition {
	d := definition.NewRecipeDefinition(nil)
	for _, n := range nodes {
		require.NoError(t, d.AddJobNode(n.name, n.jobType, n.version, 1))
	}
	for _, n := range nodes {
		for _, p := range n.parents {
			require.NoError(t, d.AddDependency(p, n.name, true))
		}
	}
	return d
}

func names(diffs []*NodeDiff) []string {
	result := []string{}
	for _, d := range diffs {
		result = append(result, d.Name)
	}
	return result
}

func TestRecipeGraphDelta_Classification(t *testing.T) {
	prev := buildDefinition(t,
		jobNode{name: "A", jobType: "a", version: "1.0"},
		jobNode{name: "B", jobType: "b", version: "1.0", parents: []string{"A"}},
		jobNode{name: "C", jobType: "c", version: "1.0", parents: []string{"B"}},
	)
	next := buildDefinition(t,
		jobNode{name: "A", jobType: "a", version: "1.0"},
		jobNode{name: "B", jobType: "b", version: "2.0", parents: []string{"A"}},
		jobNode{name: "D", jobType: "d", version: "1.0", parents: []string{"A"}},
	)

	delta := NewRecipeGraphDelta(prev, next, []string{"A", "B", "C"})
	assert.Equal(t, Unchanged, delta.GetStatus("A"))
	assert.Equal(t, Changed, delta.GetStatus("B"))
	assert.Equal(t, Deleted, delta.GetStatus("C"))
	assert.Equal(t, New, delta.GetStatus("D"))
	assert.Equal(t, NodeStatus(""), delta.GetStatus("Z"))
	assert.True(t, delta.CanBeReprocessed())

	b, _ := delta.GetNode("B")
	require.Len(t, b.Changes, 1)
	assert.Equal(t, "JOB_TYPE_VERSION_CHANGE", b.Changes[0].Name)

	assert.Equal(t, []string{"A"}, names(delta.GetNodesToCopy()))
	assert.Equal(t, []string{"B", "C"}, names(delta.GetNodesToSupersede()))
	assert.Equal(t, []string{"C"}, names(delta.GetNodesToUnpublish()))
	assert.Empty(t, delta.GetNodesToRecursivelySupersede())
}

func TestRecipeGraphDelta_ChangePropagatesToChildren(t *testing.T) {
	prev := buildDefinition(t,
		jobNode{name: "A", jobType: "a", version: "1.0"},
		jobNode{name: "B", jobType: "b", version: "1.0", parents: []string{"A"}},
	)
	next := buildDefinition(t,
		jobNode{name: "A", jobType: "a", version: "2.0"},
		jobNode{name: "B", jobType: "b", version: "1.0", parents: []string{"A"}},
	)
	delta := NewRecipeGraphDelta(prev, next, nil)
	b, _ := delta.GetNode("B")
	assert.Equal(t, Changed, b.Status)
	assert.Equal(t, "PARENT_CHANGED", b.Changes[0].Name)
}

func TestRecipeGraphDelta_OrphanedDescendant(t *testing.T) {
	prev := buildDefinition(t,
		jobNode{name: "A", jobType: "a", version: "1.0"},
		jobNode{name: "B", jobType: "b", version: "1.0", parents: []string{"A"}},
		jobNode{name: "C", jobType: "c", version: "1.0", parents: []string{"B"}},
	)
	next := buildDefinition(t,
		jobNode{name: "A", jobType: "a", version: "1.0"},
		jobNode{name: "C", jobType: "c", version: "1.0", parents: []string{"A"}},
	)

	assert.True(t, NewRecipeGraphDelta(prev, next, []string{"A", "B"}).CanBeReprocessed())

	delta := NewRecipeGraphDelta(prev, next, []string{"A", "B", "C"})
	assert.False(t, delta.CanBeReprocessed())
	require.Len(t, delta.ReasonsForReprocessFailure(), 1)
	assert.Equal(t, "ORPHANED_DESCENDANT", delta.ReasonsForReprocessFailure()[0].Name)
	assert.Empty(t, delta.GetNodesToCopy())
}

func TestRecipeGraphDelta_InputChange(t *testing.T) {
	prev := buildDefinition(t, jobNode{name: "A", jobType: "a", version: "1.0"})
	next := buildDefinition(t, jobNode{name: "A", jobType: "a", version: "1.0"})
	require.NoError(t, next.InputInterface.AddParameter(newRequiredFile("image")))

	delta := NewRecipeGraphDelta(prev, next, nil)
	assert.False(t, delta.CanBeReprocessed())
	assert.Equal(t, "INPUT_CHANGE", delta.ReasonsForReprocessFailure()[0].Name)
}

func TestRecipeGraphDelta_ForceReprocess(t *testing.T) {
	def := func() *definition.RecipeDefinition {
		d := buildDefinition(t,
			jobNode{name: "A", jobType: "a", version: "1.0"},
			jobNode{name: "B", jobType: "b", version: "1.0", parents: []string{"A"}},
			jobNode{name: "C", jobType: "c", version: "1.0"},
		)
		require.NoError(t, d.AddRecipeNode("R", "sub", 1))
		return d
	}

	delta := NewRecipeGraphDelta(def(), def(), nil)
	assert.Len(t, delta.GetNodesToCopy(), 4)

	delta.ReprocessIdenticalNode("A")
	assert.Equal(t, []string{"C", "R"}, names(delta.GetNodesToCopy()))
	assert.Equal(t, []string{"A", "B"}, names(delta.GetNodesToSupersede()))

	all := NewRecipeGraphDelta(def(), def(), nil)
	all.SetForceReprocess(AllForcedNodes())
	assert.Empty(t, all.GetNodesToCopy())
	r, _ := all.GetNode("R")
	require.NotNil(t, r.ForcedSubNodes)
	assert.True(t, r.ForcedSubNodes.AllNodes())
}

func TestRecipeGraphDelta_RecursiveSupersede(t *testing.T) {
	prev := definition.NewRecipeDefinition(nil)
	require.NoError(t, prev.AddRecipeNode("R", "sub", 1))
	require.NoError(t, prev.AddRecipeNode("S", "other", 1))
	next := definition.NewRecipeDefinition(nil)
	require.NoError(t, next.AddRecipeNode("R", "sub", 2))

	delta := NewRecipeGraphDelta(prev, next, nil)
	assert.Equal(t, []string{"R", "S"}, names(delta.GetNodesToSupersede()))
	assert.Equal(t, []string{"S"}, names(delta.GetNodesToRecursivelySupersede()))
}

func TestRecipeGraphDelta_JSON(t *testing.T) {
	prev := buildDefinition(t, jobNode{name: "A", jobType: "a", version: "1.0"})
	next := buildDefinition(t, jobNode{name: "A", jobType: "a", version: "2.0"})
	b, err := json.Marshal(NewRecipeGraphDelta(prev, next, nil))
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, true, out["can_be_reprocessed"])
	node := out["nodes"].(map[string]interface{})["A"].(map[string]interface{})
	assert.Equal(t, "CHANGED", node["status"])
}
