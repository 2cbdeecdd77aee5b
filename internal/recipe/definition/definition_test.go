package definition

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/recipe/datafilter"
)

func recipeInput(t *testing.T) *data.Interface {
	iface := data.NewInterface()
	require.NoError(t, iface.AddParameter(data.NewFileParameter("input_a", []string{"image/tiff"}, true, false)))
	return iface
}

// buildChain creates A -> B where B takes A's output x as its input y.
func buildChain(t *testing.T) *RecipeDefinition {
	d := NewRecipeDefinition(recipeInput(t))
	require.NoError(t, d.AddJobNode("A", "job-a", "1.0", 1))
	require.NoError(t, d.AddJobNode("B", "job-b", "1.0", 1))
	require.NoError(t, d.AddDependency("A", "B", true))
	require.NoError(t, d.AddRecipeInputConnection("A", "in", "input_a"))
	require.NoError(t, d.AddDependencyInputConnection("B", "y", "A", "x"))
	return d
}

func definitionErrorName(err error) string {
	return batchflowerrors.ValidationErrorName(err, batchflowerrors.KindInvalidDefinition)
}

func TestRecipeDefinition_InvalidGraphs(t *testing.T) {
	tests := map[string]struct {
		build         func(d *RecipeDefinition) error
		expectedError string
	}{
		"duplicate node": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				return d.AddJobNode("A", "job-b", "1.0", 1)
			},
			expectedError: "DUPLICATE_NODE",
		},
		"undeclared dependency": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				return d.AddDependency("missing", "A", true)
			},
			expectedError: "UNKNOWN_NODE",
		},
		"cycle": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				_ = d.AddJobNode("B", "job-b", "1.0", 1)
				_ = d.AddJobNode("C", "job-c", "1.0", 1)
				_ = d.AddDependency("A", "B", true)
				_ = d.AddDependency("B", "C", true)
				return d.AddDependency("C", "A", true)
			},
			expectedError: "CIRCULAR_DEPENDENCY",
		},
		"self dependency": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				return d.AddDependency("A", "A", true)
			},
			expectedError: "CIRCULAR_DEPENDENCY",
		},
		"unknown recipe input": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				return d.AddRecipeInputConnection("A", "in", "nope")
			},
			expectedError: "UNKNOWN_INPUT",
		},
		"connection to recipe node": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddRecipeNode("R", "sub", 1)
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				return d.AddDependencyInputConnection("A", "in", "R", "out")
			},
			expectedError: "CONNECTION_INVALID_NODE",
		},
		"duplicate input connection": {
			build: func(d *RecipeDefinition) error {
				_ = d.AddJobNode("A", "job-a", "1.0", 1)
				_ = d.AddRecipeInputConnection("A", "in", "input_a")
				return d.AddRecipeInputConnection("A", "in", "input_a")
			},
			expectedError: "NODE_INTERFACE",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.build(NewRecipeDefinition(recipeInput(t)))
			assert.Equal(t, tc.expectedError, definitionErrorName(err))
		})
	}
}

func TestRecipeDefinition_RejectedCycleLeavesGraphIntact(t *testing.T) {
	d := buildChain(t)
	require.Error(t, d.AddDependency("B", "A", true))
	a, _ := d.GetNode("A")
	assert.Empty(t, a.Parents)
	assert.Equal(t, []string{"A", "B"}, d.GetTopologicalOrder())
}

func TestRecipeDefinition_TopologicalOrder(t *testing.T) {
	d := NewRecipeDefinition(nil)
	for _, name := range []string{"D", "C", "B", "A"} {
		require.NoError(t, d.AddJobNode(name, "job", "1.0", 1))
	}
	require.NoError(t, d.AddDependency("A", "B", true))
	require.NoError(t, d.AddDependency("B", "C", true))
	require.NoError(t, d.AddDependency("A", "D", true))
	if diff := cmp.Diff([]string{"A", "D", "B", "C"}, d.GetTopologicalOrder()); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	assert.True(t, d.HasAncestor("C", "A"))
	assert.True(t, d.HasDescendant("A", "C"))
	assert.False(t, d.HasAncestor("D", "B"))
}

func TestRecipeDefinition_Validate(t *testing.T) {
	jobAIn := data.NewInterface()
	require.NoError(t, jobAIn.AddParameter(data.NewFileParameter("in", []string{"image/tiff"}, true, false)))
	jobAOut := data.NewInterface()
	require.NoError(t, jobAOut.AddParameter(data.NewFileParameter("x", []string{"image/png"}, true, false)))
	jobBIn := data.NewInterface()
	require.NoError(t, jobBIn.AddParameter(data.NewFileParameter("y", []string{"image/png"}, true, false)))

	d := buildChain(t)
	warnings, err := d.Validate(
		map[string]*data.Interface{"A": jobAIn, "B": jobBIn},
		map[string]*data.Interface{"A": jobAOut, "B": data.NewInterface()},
	)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	wrongOutput := data.NewInterface()
	require.NoError(t, wrongOutput.AddParameter(data.NewJSONParameter("x", "string", true)))
	_, err = d.Validate(
		map[string]*data.Interface{"A": jobAIn, "B": jobBIn},
		map[string]*data.Interface{"A": wrongOutput, "B": data.NewInterface()},
	)
	assert.Equal(t, "NODE_INTERFACE", definitionErrorName(err))
}

func TestRecipeDefinition_ValidateMissingDependency(t *testing.T) {
	d := NewRecipeDefinition(nil)
	require.NoError(t, d.AddJobNode("A", "job-a", "1.0", 1))
	require.NoError(t, d.AddJobNode("B", "job-b", "1.0", 1))
	require.NoError(t, d.AddDependencyInputConnection("B", "y", "A", "x"))
	out := data.NewInterface()
	require.NoError(t, out.AddParameter(data.NewJSONParameter("x", "string", true)))
	_, err := d.Validate(
		map[string]*data.Interface{"A": data.NewInterface(), "B": data.NewInterface()},
		map[string]*data.Interface{"A": out, "B": data.NewInterface()},
	)
	assert.Equal(t, "MISSING_DEPENDENCY", definitionErrorName(err))
}

func TestRecipeDefinition_GenerateNodeInputData(t *testing.T) {
	d := buildChain(t)
	outputA := data.NewData()
	require.NoError(t, outputA.AddFileValue("x", []int64{42}))

	input, err := d.GenerateNodeInputData("B", data.NewData(), map[string]*data.Data{"A": outputA})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"y": {42}}, input.Files)
	assert.Empty(t, input.JSON)

	recipeData := data.NewData()
	require.NoError(t, recipeData.AddFileValue("input_a", []int64{7}))
	input, err = d.GenerateNodeInputData("A", recipeData, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, input.Files["in"])
}

func TestRecipeDefinition_JobTypeKeysAndUpdates(t *testing.T) {
	d := buildChain(t)
	require.NoError(t, d.AddJobNode("C", "job-a", "1.0", 1))
	require.NoError(t, d.AddRecipeNode("R", "sub", 2))
	assert.Equal(t, []JobTypeKey{{"job-a", "1.0"}, {"job-b", "1.0"}}, d.GetJobTypeKeys())
	assert.Equal(t, []string{"sub"}, d.GetRecipeTypeNames())
	assert.True(t, d.UpdateJobNodes("job-a", "1.0", 3))
	assert.False(t, d.UpdateJobNodes("job-a", "1.0", 2))
	assert.Len(t, d.GetJobNodes("job-a", "1.0"), 2)
	assert.False(t, d.UpdateRecipeNodes("sub", 1))
	assert.True(t, d.UpdateRecipeNodes("sub", 4))
}

func TestRecipeDefinition_JSONRoundTrip(t *testing.T) {
	d := buildChain(t)
	condInterface := data.NewInterface()
	require.NoError(t, condInterface.AddParameter(data.NewJSONParameter("count", "integer", false)))
	filter := datafilter.New(true)
	require.NoError(t, filter.AddFilter(&datafilter.Filter{Name: "count", Type: "integer", Condition: ">", Values: []interface{}{1.0}, AllFields: true}))
	require.NoError(t, d.AddConditionNode("cond", condInterface, filter))
	require.NoError(t, d.AddDependency("A", "cond", true))
	require.NoError(t, d.AddRecipeNode("sub", "sub-recipe", 2))
	require.NoError(t, d.AddDependency("cond", "sub", false))

	cond, _ := d.GetNode("cond")
	assert.True(t, cond.OutputInterface.Parameters["count"].Required)
	assert.False(t, cond.InputInterface.Parameters["count"].Required)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	parsed, err := Parse(b, nil)
	require.NoError(t, err)
	reencoded, err := json.Marshal(parsed)
	require.NoError(t, err)
	assert.JSONEq(t, string(b), string(reencoded))

	sub, _ := parsed.GetNode("sub")
	assert.False(t, sub.ParentalAcceptance["cond"])
	assert.Equal(t, []string{"A", "B", "cond", "sub"}, parsed.GetTopologicalOrder())
}

func TestParse_ForwardReferencesAndErrors(t *testing.T) {
	raw := `{"version":"6","input":{"files":[],"json":[]},"nodes":{
		"b":{"dependencies":[{"name":"z"}],"input":{},"node_type":{"node_type":"job","job_type_name":"jb","job_type_version":"1","job_type_revision":1}},
		"z":{"dependencies":[],"input":{},"node_type":{"node_type":"job","job_type_name":"jz","job_type_version":"1","job_type_revision":1}}}}`
	d, err := Parse([]byte(raw), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "b"}, d.GetTopologicalOrder())

	_, err = Parse([]byte(`{"version":"5","nodes":{}}`), nil)
	assert.Equal(t, "INVALID_VERSION", definitionErrorName(err))

	_, err = Parse([]byte(`{"version":"7","nodes":{"a":{"dependencies":[{"name":"missing"}],"node_type":{"node_type":"job"}}}}`), nil)
	assert.Equal(t, "UNKNOWN_NODE", definitionErrorName(err))
}

func TestParse_V1(t *testing.T) {
	raw := `{"version":"1.0",
		"input_data":[{"name":"image","type":"file","media_types":["image/tiff"]},{"name":"label","type":"property","required":false}],
		"jobs":[
			{"name":"first","job_type":{"name":"ingest","version":"1.0"},"recipe_inputs":[{"recipe_input":"image","job_input":"in"}],"dependencies":[]},
			{"name":"second","job_type":{"name":"process","version":"2.0"},"recipe_inputs":[],"dependencies":[{"name":"first","connections":[{"output":"out","input":"in"}]}]}
		]}`
	revisions := func(name, version string) (int, bool) {
		return map[string]int{"ingest1.0": 3, "process2.0": 5}[name+version], true
	}
	d, err := Parse([]byte(raw), revisions)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, d.GetTopologicalOrder())
	second, _ := d.GetNode("second")
	assert.Equal(t, 5, second.RevisionNum)
	assert.Equal(t, Connection{InputName: "in", NodeName: "first", OutputName: "out"}, second.Connections["in"])
	assert.False(t, d.InputInterface.Parameters["label"].Required)

	_, err = Parse([]byte(raw), func(string, string) (int, bool) { return 0, false })
	assert.Error(t, err)
}
