package definition

import (
	"encoding/json"
	"sort"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/recipe/datafilter"
)

const SchemaVersion = "7"

// RevisionLookup returns the latest revision of a job type. It is needed to read v1 definitions, which did not
// record revisions.
type RevisionLookup func(jobTypeName, jobTypeVersion string) (int, bool)

type dependencyJSON struct {
	Name       string `json:"name"`
	Acceptance *bool  `json:"acceptance,omitempty"`
}

type connectionJSON struct {
	Type   string `json:"type"`
	Input  string `json:"input,omitempty"`
	Node   string `json:"node,omitempty"`
	Output string `json:"output,omitempty"`
}

type nodeTypeJSON struct {
	NodeType           string                 `json:"node_type"`
	JobTypeName        string                 `json:"job_type_name,omitempty"`
	JobTypeVersion     string                 `json:"job_type_version,omitempty"`
	JobTypeRevision    int                    `json:"job_type_revision,omitempty"`
	RecipeTypeName     string                 `json:"recipe_type_name,omitempty"`
	RecipeTypeRevision int                    `json:"recipe_type_revision,omitempty"`
	Interface          *data.Interface        `json:"interface,omitempty"`
	DataFilter         *datafilter.DataFilter `json:"data_filter,omitempty"`
}

type nodeJSON struct {
	Dependencies []dependencyJSON          `json:"dependencies"`
	Input        map[string]connectionJSON `json:"input"`
	NodeType     nodeTypeJSON              `json:"node_type"`
}

type definitionJSON struct {
	Version string              `json:"version"`
	Input   *data.Interface     `json:"input"`
	Nodes   map[string]nodeJSON `json:"nodes"`
}

func (d *RecipeDefinition) MarshalJSON() ([]byte, error) {
	out := definitionJSON{Version: SchemaVersion, Input: d.InputInterface, Nodes: map[string]nodeJSON{}}
	for _, n := range d.nodes {
		nj := nodeJSON{Dependencies: []dependencyJSON{}, Input: map[string]connectionJSON{}}
		for _, parent := range n.Parents {
			acceptance := n.ParentalAcceptance[parent]
			nj.Dependencies = append(nj.Dependencies, dependencyJSON{Name: parent, Acceptance: &acceptance})
		}
		for inputName, conn := range n.Connections {
			if conn.IsDependency() {
				nj.Input[inputName] = connectionJSON{Type: "dependency", Node: conn.NodeName, Output: conn.OutputName}
			} else {
				nj.Input[inputName] = connectionJSON{Type: "recipe", Input: conn.RecipeInputName}
			}
		}
		switch n.Type {
		case JobNodeType:
			nj.NodeType = nodeTypeJSON{NodeType: string(n.Type), JobTypeName: n.JobTypeName, JobTypeVersion: n.JobTypeVersion, JobTypeRevision: n.RevisionNum}
		case RecipeNodeType:
			nj.NodeType = nodeTypeJSON{NodeType: string(n.Type), RecipeTypeName: n.RecipeTypeName, RecipeTypeRevision: n.RevisionNum}
		case ConditionNodeType:
			nj.NodeType = nodeTypeJSON{NodeType: string(n.Type), Interface: n.InputInterface, DataFilter: n.DataFilter}
		}
		out.Nodes[n.Name] = nj
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a v6 or v7 definition. v1 definitions need a RevisionLookup and must go through Parse.
func (d *RecipeDefinition) UnmarshalJSON(b []byte) error {
	parsed, err := Parse(b, nil)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Parse reads a recipe definition of any supported schema version. Nodes are added in name order before any
// dependency or connection, so dependencies may name nodes that appear later in the document.
func Parse(b []byte, revisions RevisionLookup) (*RecipeDefinition, error) {
	var header struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &header); err != nil {
		return nil, batchflowerrors.InvalidDefinition("INVALID_DEFINITION", "Invalid recipe definition: %v", err)
	}
	switch header.Version {
	case "", "6", "7":
	case "1.0", "1":
		return parseV1(b, revisions)
	default:
		return nil, batchflowerrors.InvalidDefinition("INVALID_VERSION", "%s is an unsupported version number", header.Version)
	}
	var in definitionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, batchflowerrors.InvalidDefinition("INVALID_DEFINITION", "Invalid recipe definition: %v", err)
	}
	return buildDefinition(in)
}

func buildDefinition(in definitionJSON) (*RecipeDefinition, error) {
	d := NewRecipeDefinition(in.Input)
	names := make([]string, 0, len(in.Nodes))
	for name := range in.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		nt := in.Nodes[name].NodeType
		var err error
		switch NodeType(nt.NodeType) {
		case JobNodeType:
			err = d.AddJobNode(name, nt.JobTypeName, nt.JobTypeVersion, nt.JobTypeRevision)
		case RecipeNodeType:
			err = d.AddRecipeNode(name, nt.RecipeTypeName, nt.RecipeTypeRevision)
		case ConditionNodeType:
			err = d.AddConditionNode(name, nt.Interface, nt.DataFilter)
		default:
			err = batchflowerrors.InvalidDefinition("INVALID_DEFINITION", "Node '%s' has unknown node type '%s'", name, nt.NodeType)
		}
		if err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		nj := in.Nodes[name]
		for _, dep := range nj.Dependencies {
			acceptance := dep.Acceptance == nil || *dep.Acceptance
			if err := d.AddDependency(dep.Name, name, acceptance); err != nil {
				return nil, err
			}
		}
		inputNames := make([]string, 0, len(nj.Input))
		for inputName := range nj.Input {
			inputNames = append(inputNames, inputName)
		}
		sort.Strings(inputNames)
		for _, inputName := range inputNames {
			conn := nj.Input[inputName]
			var err error
			switch conn.Type {
			case "recipe":
				err = d.AddRecipeInputConnection(name, inputName, conn.Input)
			case "dependency":
				err = d.AddDependencyInputConnection(name, inputName, conn.Node, conn.Output)
			default:
				err = batchflowerrors.InvalidDefinition("INVALID_DEFINITION", "Input '%s' of node '%s' has unknown type '%s'", inputName, name, conn.Type)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

type v1InputDataJSON struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   *bool    `json:"required"`
	MediaTypes []string `json:"media_types"`
}

type v1JobJSON struct {
	Name    string `json:"name"`
	JobType struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"job_type"`
	RecipeInputs []struct {
		RecipeInput string `json:"recipe_input"`
		JobInput    string `json:"job_input"`
	} `json:"recipe_inputs"`
	Dependencies []struct {
		Name        string `json:"name"`
		Connections []struct {
			Output string `json:"output"`
			Input  string `json:"input"`
		} `json:"connections"`
	} `json:"dependencies"`
}

type v1DefinitionJSON struct {
	InputData []v1InputDataJSON `json:"input_data"`
	Jobs      []v1JobJSON       `json:"jobs"`
}

// parseV1 converts a v1 definition into the current model. Only job nodes exist in v1.
func parseV1(b []byte, revisions RevisionLookup) (*RecipeDefinition, error) {
	var in v1DefinitionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, batchflowerrors.InvalidDefinition("INVALID_DEFINITION", "Invalid v1 recipe definition: %v", err)
	}
	input := data.NewInterface()
	for _, param := range in.InputData {
		required := param.Required == nil || *param.Required
		var p *data.Parameter
		switch param.Type {
		case "file", "files":
			p = data.NewFileParameter(param.Name, param.MediaTypes, required, param.Type == "files")
		case "property":
			p = data.NewJSONParameter(param.Name, "string", required)
		default:
			return nil, batchflowerrors.InvalidDefinition("INVALID_DEFINITION", "Input '%s' has unknown type '%s'", param.Name, param.Type)
		}
		if err := input.AddParameter(p); err != nil {
			return nil, batchflowerrors.InvalidDefinition("INPUT_INTERFACE", "%v", err)
		}
	}
	out := definitionJSON{Version: SchemaVersion, Input: input, Nodes: map[string]nodeJSON{}}
	for _, job := range in.Jobs {
		revision := 1
		if revisions != nil {
			r, ok := revisions(job.JobType.Name, job.JobType.Version)
			if !ok {
				return nil, batchflowerrors.InvalidDefinition("INVALID_DEFINITION",
					"Job type %s %s does not exist", job.JobType.Name, job.JobType.Version)
			}
			revision = r
		}
		nj := nodeJSON{
			Input: map[string]connectionJSON{},
			NodeType: nodeTypeJSON{
				NodeType:        string(JobNodeType),
				JobTypeName:     job.JobType.Name,
				JobTypeVersion:  job.JobType.Version,
				JobTypeRevision: revision,
			},
		}
		for _, dep := range job.Dependencies {
			nj.Dependencies = append(nj.Dependencies, dependencyJSON{Name: dep.Name})
			for _, conn := range dep.Connections {
				nj.Input[conn.Input] = connectionJSON{Type: "dependency", Node: dep.Name, Output: conn.Output}
			}
		}
		for _, ri := range job.RecipeInputs {
			nj.Input[ri.JobInput] = connectionJSON{Type: "recipe", Input: ri.RecipeInput}
		}
		if _, exists := out.Nodes[job.Name]; exists {
			return nil, batchflowerrors.InvalidDefinition("DUPLICATE_NODE", "Node '%s' is already defined", job.Name)
		}
		out.Nodes[job.Name] = nj
	}
	return buildDefinition(out)
}
