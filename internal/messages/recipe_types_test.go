package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/recipe/definition"
	"github.com/G-Research/batchflow/internal/store"
)

// setupNestedChain stores the chain recipe type and a "parent" recipe type running it as node "sub".
func (h *harness) setupNestedChain() (chain, parent *store.RecipeType) {
	h.addJobType("job-a", []string{"x"}, []string{"out"})
	h.addJobType("job-b", []string{"y"}, nil)
	chain = h.addRecipeType("chain", chainDefinition(h.t))

	parentDef := definition.NewRecipeDefinition(jsonInterface(h.t, "in"))
	require.NoError(h.t, parentDef.AddRecipeNode("sub", "chain", 1))
	require.NoError(h.t, parentDef.AddRecipeInputConnection("sub", "in", "in"))
	parent = h.addRecipeType("parent", parentDef)
	return chain, parent
}

func (h *harness) jobType(name string) *store.JobType {
	var jobType *store.JobType
	require.NoError(h.t, h.store.View(h.ctx, func(tx store.Tx) error {
		var err error
		jobType, err = store.GetJobTypeByName(h.ctx, tx, name, "1.0")
		return err
	}))
	require.NotNil(h.t, jobType)
	return jobType
}

func (h *harness) definition(recipeTypeID int64, revisionNum int) *definition.RecipeDefinition {
	var def *definition.RecipeDefinition
	require.NoError(h.t, h.store.View(h.ctx, func(tx store.Tx) error {
		var err error
		def, err = store.GetRecipeDefinition(h.ctx, tx, recipeTypeID, revisionNum)
		return err
	}))
	return def
}

// newJobTypeRevision moves the job type to revision 2, optionally changing its outputs.
func (h *harness) newJobTypeRevision(name string, outputs ...string) *store.JobType {
	jobType := h.jobType(name)
	jobType.RevisionNum = 2
	if outputs != nil {
		jobType.OutputInterface = jsonInterface(h.t, outputs...)
	}
	h.update(func(tx store.Tx) error { return store.Save(h.ctx, tx, jobType) })
	return jobType
}

func TestUpdateRecipeDefinition_NewJobTypeRevision(t *testing.T) {
	tests := map[string]struct {
		redeliver bool
	}{
		"delivered once":  {},
		"delivered twice": {redeliver: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			chain, parent := h.setupNestedChain()
			jobA := h.newJobTypeRevision("job-a", "out")
			h.redeliver = tc.redeliver

			h.run(CreateJobUpdateRecipeDefinitionMessage(chain.ID, jobA.ID))

			chain = get[store.RecipeType](h, chain.ID)
			assert.Equal(t, 2, chain.RevisionNum)
			a, ok := h.definition(chain.ID, 2).GetNode("A")
			require.True(t, ok)
			assert.Equal(t, 2, a.RevisionNum)
			b, ok := h.definition(chain.ID, 2).GetNode("B")
			require.True(t, ok)
			assert.Equal(t, 1, b.RevisionNum)
			original, ok := h.definition(chain.ID, 1).GetNode("A")
			require.True(t, ok)
			assert.Equal(t, 1, original.RevisionNum)

			parent = get[store.RecipeType](h, parent.ID)
			assert.Equal(t, 2, parent.RevisionNum)
			sub, ok := h.definition(parent.ID, 2).GetNode("sub")
			require.True(t, ok)
			assert.Equal(t, 2, sub.RevisionNum)
		})
	}
}

func TestUpdateRecipeDefinition_InvalidUpdateIsSkipped(t *testing.T) {
	h := newHarness(t)
	chain, parent := h.setupNestedChain()
	// B reads A's "out", which the new revision no longer produces
	jobA := h.newJobTypeRevision("job-a", "other")

	h.run(CreateJobUpdateRecipeDefinitionMessage(chain.ID, jobA.ID))

	assert.Equal(t, 1, get[store.RecipeType](h, chain.ID).RevisionNum)
	assert.Equal(t, 1, get[store.RecipeType](h, parent.ID).RevisionNum)
	assert.Equal(t, 1, h.executed[UpdateRecipeDefinitionType])
}

func TestUpdateRecipeDefinition_UnchangedDefinition(t *testing.T) {
	h := newHarness(t)
	chain, _ := h.setupNestedChain()

	h.run(CreateJobUpdateRecipeDefinitionMessage(chain.ID, h.jobType("job-b").ID))

	assert.Equal(t, 1, get[store.RecipeType](h, chain.ID).RevisionNum)
	assert.Equal(t, 1, h.executed[UpdateRecipeDefinitionType])
}

func TestUpdateRecipeDefinition_Deactivate(t *testing.T) {
	h := newHarness(t)
	chain, parent := h.setupNestedChain()

	h.run(CreateActivateRecipeTypeMessage(chain.ID, false))

	assert.False(t, get[store.RecipeType](h, chain.ID).IsActive)
	assert.False(t, get[store.RecipeType](h, parent.ID).IsActive)
	assert.Equal(t, 1, get[store.RecipeType](h, chain.ID).RevisionNum)
}
