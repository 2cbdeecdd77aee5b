// Package instance evaluates a running recipe against its definition to decide which nodes to create, which
// jobs to block or unblock, which nodes can process their input and whether the recipe has completed.
package instance

import (
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/recipe/definition"
)

// Job statuses the evaluation cares about.
const (
	JobPending   = "PENDING"
	JobBlocked   = "BLOCKED"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobCanceled  = "CANCELED"
)

type JobState struct {
	ID        int64
	Status    string
	HasInput  bool
	HasOutput bool
}

type RecipeState struct {
	ID           int64
	HasInput     bool
	IsCompleted  bool
	JobsBlocked  int
	JobsCanceled int
	JobsFailed   int
}

type ConditionState struct {
	ID          int64
	IsProcessed bool
	IsAccepted  bool
}

// NodeState is a node that already exists in the recipe. Exactly one of Job, SubRecipe and Condition is set.
type NodeState struct {
	NodeName   string
	IsOriginal bool
	Job        *JobState
	SubRecipe  *RecipeState
	Condition  *ConditionState
}

// NodeInstance is a definition node paired with its state. Nodes that do not exist yet are placeholders.
type NodeInstance struct {
	Name       string
	Definition *definition.Node
	IsOriginal bool
	Job        *JobState
	SubRecipe  *RecipeState
	Condition  *ConditionState
	real       bool
}

// IsReal is false for placeholders of nodes that have not been created.
func (n *NodeInstance) IsReal() bool {
	return n.real
}

func (n *NodeInstance) isCompleted() bool {
	switch {
	case !n.real:
		return true
	case n.Job != nil:
		return n.Job.Status == JobCompleted && n.Job.HasOutput
	case n.SubRecipe != nil:
		return n.SubRecipe.IsCompleted
	case n.Condition != nil:
		return n.Condition.IsProcessed
	}
	return false
}

func (n *NodeInstance) isAccepted() bool {
	if n.real && n.Condition != nil {
		return n.Condition.IsAccepted
	}
	return true
}

// isReadyForChildren reports whether a child depending on n with the given acceptance may process its input.
func (n *NodeInstance) isReadyForChildren(acceptance bool) bool {
	if !n.real {
		return false
	}
	if n.Condition != nil {
		return n.Condition.IsProcessed && n.Condition.IsAccepted == acceptance
	}
	return n.isCompleted()
}

type RecipeInstance struct {
	definition *definition.RecipeDefinition
	hasInput   bool
	graph      map[string]*NodeInstance
	order      []string
}

// NewRecipeInstance pairs every node of def with its state in nodes. States for names that are not in the
// definition are ignored.
func NewRecipeInstance(def *definition.RecipeDefinition, recipeHasInput bool, nodes []NodeState) *RecipeInstance {
	states := make(map[string]NodeState, len(nodes))
	for _, s := range nodes {
		states[s.NodeName] = s
	}
	r := &RecipeInstance{definition: def, hasInput: recipeHasInput, graph: map[string]*NodeInstance{}, order: def.GetTopologicalOrder()}
	for _, name := range r.order {
		nodeDef, _ := def.GetNode(name)
		n := &NodeInstance{Name: name, Definition: nodeDef, IsOriginal: true}
		if s, ok := states[name]; ok {
			n.real = true
			n.IsOriginal = s.IsOriginal
			n.Job, n.SubRecipe, n.Condition = s.Job, s.SubRecipe, s.Condition
		}
		r.graph[name] = n
	}
	for name := range states {
		if _, ok := r.graph[name]; !ok {
			log.Warnf("recipe node %s is not in the recipe definition", name)
		}
	}
	return r
}

// NodeNames returns the names of every node in the definition in dependency order.
func (r *RecipeInstance) NodeNames() []string {
	return append([]string(nil), r.order...)
}

func (r *RecipeInstance) GetNode(name string) (*NodeInstance, bool) {
	n, ok := r.graph[name]
	return n, ok
}

// GetJobsToUpdate returns the ids of jobs to move to BLOCKED and to PENDING. A failed or canceled job, or a
// sub-recipe with blocked, failed or canceled jobs, blocks every node downstream of it.
func (r *RecipeInstance) GetJobsToUpdate() (blocked []int64, pending []int64) {
	blocks := map[string]bool{}
	for _, name := range r.order {
		n := r.graph[name]
		blocking := false
		for _, parent := range n.Definition.Parents {
			blocking = blocking || blocks[parent]
		}
		if n.real && n.Job != nil {
			if n.Job.Status == JobCanceled || n.Job.Status == JobFailed {
				blocking = true
			}
			if n.Job.Status == JobBlocked && !blocking {
				pending = append(pending, n.Job.ID)
			}
			if n.Job.Status == JobPending && blocking {
				blocked = append(blocked, n.Job.ID)
			}
		}
		if n.real && n.SubRecipe != nil {
			if n.SubRecipe.JobsBlocked+n.SubRecipe.JobsCanceled+n.SubRecipe.JobsFailed > 0 {
				blocking = true
			}
		}
		blocks[name] = blocking
	}
	return blocked, pending
}

// GetNodesToCreate returns, in dependency order, the definitions of the nodes that do not exist yet and whose
// parents allow them to be created. Children of a condition wait until it is processed, and then only those
// whose acceptance matches the outcome are created.
func (r *RecipeInstance) GetNodesToCreate() []*definition.Node {
	var toCreate []*definition.Node
	childrenCanBeCreated := map[string]bool{}
	for _, name := range r.order {
		n := r.graph[name]
		needsToBeCreated := !n.real
		canCreateChildren := true
		if needsToBeCreated {
			for _, parentName := range n.Definition.Parents {
				parent := r.graph[parentName]
				acceptance := n.Definition.ParentalAcceptance[parentName]
				if !childrenCanBeCreated[parentName] || !acceptanceMatches(parent, acceptance) {
					needsToBeCreated = false
					canCreateChildren = false
					break
				}
			}
		}
		if n.Definition.Type == definition.ConditionNodeType {
			canCreateChildren = n.real && n.Condition != nil && n.Condition.IsProcessed
		}
		childrenCanBeCreated[name] = canCreateChildren
		if needsToBeCreated {
			toCreate = append(toCreate, n.Definition)
		}
	}
	return toCreate
}

func acceptanceMatches(parent *NodeInstance, acceptance bool) bool {
	if parent.Definition.Type != definition.ConditionNodeType {
		return true
	}
	return parent.isAccepted() == acceptance
}

// GetNodesToProcessInput returns the nodes whose parents are all ready. Placeholders are included; they process
// their input as soon as they are created. Nothing is returned until the recipe itself has input.
func (r *RecipeInstance) GetNodesToProcessInput() []*NodeInstance {
	var result []*NodeInstance
	if !r.hasInput {
		return result
	}
	for _, name := range r.order {
		n := r.graph[name]
		if r.needsToProcessInput(n) {
			result = append(result, n)
		}
	}
	return result
}

func (r *RecipeInstance) needsToProcessInput(n *NodeInstance) bool {
	if n.real {
		switch {
		case n.Job != nil:
			if n.Job.Status != JobPending && n.Job.Status != JobBlocked {
				return false
			}
			if n.Job.HasInput {
				return false
			}
		case n.SubRecipe != nil:
			if n.SubRecipe.HasInput {
				return false
			}
		case n.Condition != nil:
			if n.Condition.IsProcessed {
				return false
			}
		}
	}
	for _, parentName := range n.Definition.Parents {
		if !r.graph[parentName].isReadyForChildren(n.Definition.ParentalAcceptance[parentName]) {
			return false
		}
	}
	return true
}

// HasCompleted is true when no more nodes will be created and every node has completed.
func (r *RecipeInstance) HasCompleted() bool {
	if len(r.GetNodesToCreate()) > 0 {
		return false
	}
	for _, name := range r.order {
		if !r.graph[name].isCompleted() {
			return false
		}
	}
	return true
}

// GetOriginalLeafNodes returns the existing, original nodes that have no existing, original children. Nodes
// copied from a superseded recipe and nodes that were never created do not count as children.
func (r *RecipeInstance) GetOriginalLeafNodes() []*NodeInstance {
	var leaves []*NodeInstance
	for _, name := range r.order {
		n := r.graph[name]
		if !n.real || !n.IsOriginal {
			continue
		}
		leaf := true
		for _, child := range n.Definition.Children {
			if c := r.graph[child]; c.real && c.IsOriginal {
				leaf = false
				break
			}
		}
		if leaf {
			leaves = append(leaves, n)
		}
	}
	return leaves
}
