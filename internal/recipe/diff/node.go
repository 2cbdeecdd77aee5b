package diff

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/G-Research/batchflow/internal/recipe/definition"
)

type NodeStatus string

const (
	Unchanged NodeStatus = "UNCHANGED"
	Changed   NodeStatus = "CHANGED"
	New       NodeStatus = "NEW"
	Deleted   NodeStatus = "DELETED"
)

// Change is one reason a node differs from its previous revision.
type Change struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NodeDiff is the diff of a single node between two definitions.
type NodeDiff struct {
	Name         string
	NodeType     definition.NodeType
	PrevNodeType definition.NodeType
	Status       NodeStatus
	Changes      []Change

	ReprocessNewNode bool
	ForceReprocess   bool
	// ForcedSubNodes are the nodes to force within a sub-recipe node.
	ForcedSubNodes *ForcedNodes

	Parents  []string
	Children []string

	node *definition.Node
}

func newNodeDiff(n *definition.Node, status NodeStatus) *NodeDiff {
	d := &NodeDiff{Name: n.Name, NodeType: n.Type, Status: status, node: n}
	d.calculateReprocessNewNode()
	return d
}

func (d *NodeDiff) JobTypeName() string    { return d.node.JobTypeName }
func (d *NodeDiff) JobTypeVersion() string { return d.node.JobTypeVersion }
func (d *NodeDiff) RecipeTypeName() string { return d.node.RecipeTypeName }
func (d *NodeDiff) RevisionNum() int       { return d.node.RevisionNum }

func (d *NodeDiff) addChange(name, format string, args ...interface{}) {
	d.Changes = append(d.Changes, Change{Name: name, Description: fmt.Sprintf(format, args...)})
}

func (d *NodeDiff) compareToPrevious(prev *definition.Node, graph map[string]*NodeDiff) {
	d.Changes = nil
	if d.NodeType == prev.Type {
		d.compareNodeType(prev)
	} else {
		d.PrevNodeType = prev.Type
		d.addChange("NODE_TYPE_CHANGE", "Node type changed from %s to %s", prev.Type, d.NodeType)
	}
	for _, parent := range d.Parents {
		switch graph[parent].Status {
		case Changed:
			d.addChange("PARENT_CHANGED", "Parent node %s changed", parent)
		case New:
			d.addChange("PARENT_NEW", "New parent node %s added", parent)
		}
		if prev.HasParent(parent) && prev.ParentalAcceptance[parent] != d.node.ParentalAcceptance[parent] {
			d.addChange("PARENT_ACCEPTANCE_CHANGED", "Acceptance of parent node %s changed", parent)
		}
	}
	for _, prevParent := range prev.Parents {
		if !d.node.HasParent(prevParent) {
			d.addChange("PARENT_REMOVED", "Previous parent node %s removed", prevParent)
		}
	}
	for _, inputName := range sortedConnectionNames(d.node.Connections) {
		prevConn, ok := prev.Connections[inputName]
		if !ok {
			d.addChange("INPUT_NEW", "New input %s added", inputName)
		} else if prevConn != d.node.Connections[inputName] {
			d.addChange("INPUT_CHANGE", "Input %s changed", inputName)
		}
	}
	for _, prevInputName := range sortedConnectionNames(prev.Connections) {
		if _, ok := d.node.Connections[prevInputName]; !ok {
			d.addChange("INPUT_REMOVED", "Previous input %s removed", prevInputName)
		}
	}
	if len(d.Changes) > 0 {
		d.Status = Changed
	} else {
		d.Status = Unchanged
	}
	d.calculateReprocessNewNode()
}

func (d *NodeDiff) compareNodeType(prev *definition.Node) {
	switch d.NodeType {
	case definition.JobNodeType:
		if d.node.JobTypeName != prev.JobTypeName {
			d.addChange("JOB_TYPE_CHANGE", "Job type changed from %s to %s", prev.JobTypeName, d.node.JobTypeName)
		}
		if d.node.JobTypeVersion != prev.JobTypeVersion {
			d.addChange("JOB_TYPE_VERSION_CHANGE", "Job type version changed from %s to %s", prev.JobTypeVersion, d.node.JobTypeVersion)
		}
		if d.node.RevisionNum != prev.RevisionNum {
			d.addChange("JOB_TYPE_REVISION_CHANGE", "Job type revision changed from %d to %d", prev.RevisionNum, d.node.RevisionNum)
		}
	case definition.RecipeNodeType:
		if d.node.RecipeTypeName != prev.RecipeTypeName {
			d.addChange("RECIPE_TYPE_CHANGE", "Recipe type changed from %s to %s", prev.RecipeTypeName, d.node.RecipeTypeName)
		}
		if d.node.RevisionNum != prev.RevisionNum {
			d.addChange("RECIPE_TYPE_REVISION_CHANGE", "Recipe type revision changed from %d to %d", prev.RevisionNum, d.node.RevisionNum)
		}
	case definition.ConditionNodeType:
		if !sameJSON(d.node.InputInterface, prev.InputInterface) {
			d.addChange("CONDITION_INTERFACE_CHANGE", "Condition interface changed")
		}
		if !sameJSON(d.node.DataFilter, prev.DataFilter) {
			d.addChange("FILTER_CHANGE", "Condition data filter changed")
		}
	}
}

func (d *NodeDiff) setForceReprocess(forced *ForcedNodes, graph map[string]*NodeDiff) {
	d.ForceReprocess = true
	d.calculateReprocessNewNode()
	if d.NodeType == definition.RecipeNodeType && forced != nil {
		d.ForcedSubNodes = forced.GetForcedNodesForSubRecipe(d.Name)
	}
	for _, child := range d.Children {
		graph[child].setForceReprocess(forced, graph)
	}
}

func (d *NodeDiff) calculateReprocessNewNode() {
	dueToStatus := d.Status == Changed || d.Status == New
	dueToForce := d.ForceReprocess && d.Status != Deleted
	d.ReprocessNewNode = dueToStatus || dueToForce
}

// ShouldBeCopied is true for nodes kept as they are from the previous recipe.
func (d *NodeDiff) ShouldBeCopied() bool {
	return d.Status != Deleted && !d.ReprocessNewNode
}

// ShouldBeSuperseded is true for nodes of the previous recipe that are deleted or replaced.
func (d *NodeDiff) ShouldBeSuperseded() bool {
	beingReplaced := d.Status == Changed || (d.Status == Unchanged && d.ForceReprocess)
	return d.Status == Deleted || beingReplaced
}

// ShouldBeUnpublished is true for deleted nodes. Superseded nodes are unpublished once their replacements
// complete.
func (d *NodeDiff) ShouldBeUnpublished() bool {
	return d.Status == Deleted
}

// ShouldBeRecursivelySuperseded is true for superseded sub-recipe nodes that will not be reprocessed into a
// recipe of the same type, so everything within them goes too.
func (d *NodeDiff) ShouldBeRecursivelySuperseded() bool {
	if d.NodeType != definition.RecipeNodeType && d.PrevNodeType != definition.RecipeNodeType {
		return false
	}
	if !d.ShouldBeSuperseded() {
		return false
	}
	if d.Status == Deleted || d.PrevNodeType != "" {
		return true
	}
	for _, c := range d.Changes {
		if c.Name == "RECIPE_TYPE_CHANGE" {
			return true
		}
	}
	return false
}

func sameJSON(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}
