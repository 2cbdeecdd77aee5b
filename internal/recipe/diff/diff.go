// Package diff compares two recipe definitions to decide which nodes of an existing recipe are copied,
// superseded or recreated when it is reprocessed under a new definition.
package diff

import (
	"encoding/json"
	"sort"

	"github.com/G-Research/batchflow/internal/recipe/definition"
)

// Reason explains why a recipe cannot be reprocessed.
type Reason struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RecipeGraphDelta struct {
	canBeReprocessed bool
	reasons          []Reason
	graph            map[string]*NodeDiff
	// new definition's nodes in topological order followed by deleted nodes
	order       []string
	forcedNodes *ForcedNodes
}

// NewRecipeGraphDelta diffs prev against next. materialized names the nodes that already exist in the recipe
// being reprocessed; it may be nil when there is no existing recipe.
func NewRecipeGraphDelta(prev, next *definition.RecipeDefinition, materialized []string) *RecipeGraphDelta {
	delta := &RecipeGraphDelta{canBeReprocessed: true, graph: map[string]*NodeDiff{}}
	delta.compareInputInterfaces(prev, next)
	delta.createDiffGraph(prev, next)
	delta.checkForOrphans(prev, next, materialized)
	return delta
}

func (r *RecipeGraphDelta) compareInputInterfaces(prev, next *definition.RecipeDefinition) {
	if _, err := next.InputInterface.ValidateConnection(prev.InputInterface); err != nil {
		r.canBeReprocessed = false
		r.reasons = append(r.reasons, Reason{Name: "INPUT_CHANGE", Description: "Input interface has changed: " + err.Error()})
	}
}

func (r *RecipeGraphDelta) createDiffGraph(prev, next *definition.RecipeDefinition) {
	for _, name := range next.GetTopologicalOrder() {
		n, _ := next.GetNode(name)
		nd := newNodeDiff(n, New)
		r.addNodeDiff(nd, n)
		if prevNode, ok := prev.GetNode(name); ok {
			nd.compareToPrevious(prevNode, r.graph)
		}
	}
	for _, name := range prev.GetTopologicalOrder() {
		if _, ok := r.graph[name]; ok {
			continue
		}
		n, _ := prev.GetNode(name)
		r.addNodeDiff(newNodeDiff(n, Deleted), n)
	}
}

func (r *RecipeGraphDelta) addNodeDiff(nd *NodeDiff, n *definition.Node) {
	r.graph[nd.Name] = nd
	r.order = append(r.order, nd.Name)
	for _, parent := range n.Parents {
		nd.Parents = append(nd.Parents, parent)
		r.graph[parent].Children = append(r.graph[parent].Children, nd.Name)
	}
}

// checkForOrphans rejects a reprocess that would detach a materialized node from a changed or deleted ancestor
// that produced it: the node survives into the new definition but the ancestor is no longer upstream of it.
func (r *RecipeGraphDelta) checkForOrphans(prev, next *definition.RecipeDefinition, materialized []string) {
	for _, name := range prev.GetTopologicalOrder() {
		nd := r.graph[name]
		if nd.Status != Changed && nd.Status != Deleted {
			continue
		}
		for _, descendant := range materialized {
			if descendant == name || !prev.HasDescendant(name, descendant) || !next.HasNode(descendant) {
				continue
			}
			if next.HasNode(name) && next.HasDescendant(name, descendant) {
				continue
			}
			r.canBeReprocessed = false
			r.reasons = append(r.reasons, Reason{
				Name:        "ORPHANED_DESCENDANT",
				Description: "Node " + descendant + " would be detached from " + string(nd.Status) + " node " + name,
			})
		}
	}
}

func (r *RecipeGraphDelta) CanBeReprocessed() bool {
	return r.canBeReprocessed
}

func (r *RecipeGraphDelta) ReasonsForReprocessFailure() []Reason {
	return append([]Reason(nil), r.reasons...)
}

func (r *RecipeGraphDelta) GetNode(name string) (*NodeDiff, bool) {
	nd, ok := r.graph[name]
	return nd, ok
}

// GetStatus returns the node's status, or "" for a name in neither definition.
func (r *RecipeGraphDelta) GetStatus(name string) NodeStatus {
	if nd, ok := r.graph[name]; ok {
		return nd.Status
	}
	return ""
}

func (r *RecipeGraphDelta) ForcedNodes() *ForcedNodes {
	return r.forcedNodes
}

// SetForceReprocess forces the given nodes, and everything downstream of them, to be recreated.
func (r *RecipeGraphDelta) SetForceReprocess(forced *ForcedNodes) {
	r.forcedNodes = forced
	for _, name := range r.order {
		if forced.IsNodeForcedToReprocess(name) {
			r.graph[name].setForceReprocess(forced, r.graph)
		}
	}
}

// ReprocessIdenticalNode forces a single unchanged node, and its descendants, to be recreated.
func (r *RecipeGraphDelta) ReprocessIdenticalNode(name string) {
	nd, ok := r.graph[name]
	if !ok {
		return
	}
	if r.forcedNodes == nil {
		r.forcedNodes = NewForcedNodes()
	}
	r.forcedNodes.AddNode(name)
	nd.setForceReprocess(r.forcedNodes, r.graph)
}

func (r *RecipeGraphDelta) filter(predicate func(*NodeDiff) bool) []*NodeDiff {
	var result []*NodeDiff
	if !r.canBeReprocessed {
		return result
	}
	for _, name := range r.order {
		if nd := r.graph[name]; predicate(nd) {
			result = append(result, nd)
		}
	}
	return result
}

func (r *RecipeGraphDelta) GetNodesToCopy() []*NodeDiff {
	return r.filter((*NodeDiff).ShouldBeCopied)
}

func (r *RecipeGraphDelta) GetNodesToSupersede() []*NodeDiff {
	return r.filter((*NodeDiff).ShouldBeSuperseded)
}

func (r *RecipeGraphDelta) GetNodesToUnpublish() []*NodeDiff {
	return r.filter((*NodeDiff).ShouldBeUnpublished)
}

func (r *RecipeGraphDelta) GetNodesToRecursivelySupersede() []*NodeDiff {
	return r.filter((*NodeDiff).ShouldBeRecursivelySuperseded)
}

// NodeNames returns every node in the delta, new definition first.
func (r *RecipeGraphDelta) NodeNames() []string {
	return append([]string(nil), r.order...)
}

type nodeDiffJSON struct {
	Status           NodeStatus `json:"status"`
	Changes          []Change   `json:"changes"`
	ReprocessNewNode bool       `json:"reprocess_new_node"`
	ForceReprocess   bool       `json:"force_reprocess"`
	Dependencies     []string   `json:"dependencies"`
	NodeType         string     `json:"node_type"`
	PrevNodeType     string     `json:"prev_node_type,omitempty"`
}

func (r *RecipeGraphDelta) MarshalJSON() ([]byte, error) {
	nodes := map[string]nodeDiffJSON{}
	for name, nd := range r.graph {
		changes := nd.Changes
		if changes == nil {
			changes = []Change{}
		}
		deps := append([]string{}, nd.Parents...)
		sort.Strings(deps)
		nodes[name] = nodeDiffJSON{
			Status:           nd.Status,
			Changes:          changes,
			ReprocessNewNode: nd.ReprocessNewNode,
			ForceReprocess:   nd.ForceReprocess,
			Dependencies:     deps,
			NodeType:         string(nd.NodeType),
			PrevNodeType:     string(nd.PrevNodeType),
		}
	}
	reasons := r.reasons
	if reasons == nil {
		reasons = []Reason{}
	}
	return json.Marshal(struct {
		Version          string                  `json:"version"`
		CanBeReprocessed bool                    `json:"can_be_reprocessed"`
		Reasons          []Reason                `json:"reasons"`
		Nodes            map[string]nodeDiffJSON `json:"nodes"`
	}{Version: "7", CanBeReprocessed: r.canBeReprocessed, Reasons: reasons, Nodes: nodes})
}

func sortedConnectionNames(m map[string]definition.Connection) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
