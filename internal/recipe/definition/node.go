package definition

import (
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/recipe/datafilter"
)

type NodeType string

const (
	JobNodeType       NodeType = "job"
	RecipeNodeType    NodeType = "recipe"
	ConditionNodeType NodeType = "condition"
)

// Connection feeds one input of a node, either from the recipe input or from the output of a parent node.
type Connection struct {
	InputName string
	// Set for recipe input connections.
	RecipeInputName string
	// Set for dependency connections.
	NodeName   string
	OutputName string
}

func (c Connection) IsDependency() bool {
	return c.NodeName != ""
}

// Node is one entry of the definition's arena. Edges refer to other nodes by name.
type Node struct {
	Name string
	Type NodeType

	JobTypeName    string
	JobTypeVersion string
	RecipeTypeName string
	RevisionNum    int

	InputInterface  *data.Interface
	OutputInterface *data.Interface
	DataFilter      *datafilter.DataFilter

	Parents            []string
	ParentalAcceptance map[string]bool
	Children           []string
	Connections        map[string]Connection
}

func newNode(name string, nodeType NodeType) *Node {
	return &Node{
		Name:               name,
		Type:               nodeType,
		ParentalAcceptance: map[string]bool{},
		Connections:        map[string]Connection{},
	}
}

func (n *Node) HasParent(name string) bool {
	_, ok := n.ParentalAcceptance[name]
	return ok
}

// IsEqualTo compares the node's own definition: its type reference, its parents and its input connections.
// Children are not compared.
func (n *Node) IsEqualTo(other *Node) bool {
	if n.Type != other.Type || n.JobTypeName != other.JobTypeName || n.JobTypeVersion != other.JobTypeVersion ||
		n.RecipeTypeName != other.RecipeTypeName || n.RevisionNum != other.RevisionNum {
		return false
	}
	if len(n.ParentalAcceptance) != len(other.ParentalAcceptance) || len(n.Connections) != len(other.Connections) {
		return false
	}
	for name, acceptance := range n.ParentalAcceptance {
		if otherAcceptance, ok := other.ParentalAcceptance[name]; !ok || otherAcceptance != acceptance {
			return false
		}
	}
	for name, conn := range n.Connections {
		if otherConn, ok := other.Connections[name]; !ok || otherConn != conn {
			return false
		}
	}
	return true
}

// conditionOutputInterface is the condition's input interface, with every filtered parameter made required
// when all filters must pass.
func conditionOutputInterface(input *data.Interface, filter *datafilter.DataFilter) *data.Interface {
	output := input.Copy()
	if filter != nil && filter.All {
		for _, f := range filter.Filters {
			if p, ok := output.Parameters[f.Name]; ok {
				p.Required = true
			}
		}
	}
	return output
}
