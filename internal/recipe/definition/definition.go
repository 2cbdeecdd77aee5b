// Package definition holds recipe definitions: an input interface and a DAG of job, sub-recipe and condition
// nodes stored as a name-indexed arena.
package definition

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/recipe/datafilter"
)

// JobTypeKey identifies a job type by name and version.
type JobTypeKey struct {
	Name    string
	Version string
}

type RecipeDefinition struct {
	InputInterface *data.Interface
	nodes          []*Node
	index          map[string]int
	topological    []string
}

func NewRecipeDefinition(inputInterface *data.Interface) *RecipeDefinition {
	if inputInterface == nil {
		inputInterface = data.NewInterface()
	}
	return &RecipeDefinition{InputInterface: inputInterface, index: map[string]int{}}
}

func (d *RecipeDefinition) AddJobNode(name, jobTypeName, jobTypeVersion string, revisionNum int) error {
	n := newNode(name, JobNodeType)
	n.JobTypeName = jobTypeName
	n.JobTypeVersion = jobTypeVersion
	n.RevisionNum = revisionNum
	return d.addNode(n)
}

func (d *RecipeDefinition) AddRecipeNode(name, recipeTypeName string, revisionNum int) error {
	n := newNode(name, RecipeNodeType)
	n.RecipeTypeName = recipeTypeName
	n.RevisionNum = revisionNum
	return d.addNode(n)
}

func (d *RecipeDefinition) AddConditionNode(name string, inputInterface *data.Interface, filter *datafilter.DataFilter) error {
	if inputInterface == nil {
		inputInterface = data.NewInterface()
	}
	if filter == nil {
		filter = datafilter.New(true)
	}
	n := newNode(name, ConditionNodeType)
	n.InputInterface = inputInterface
	n.DataFilter = filter
	n.OutputInterface = conditionOutputInterface(inputInterface, filter)
	return d.addNode(n)
}

func (d *RecipeDefinition) addNode(n *Node) error {
	if _, exists := d.index[n.Name]; exists {
		return batchflowerrors.InvalidDefinition("DUPLICATE_NODE", "Node '%s' is already defined", n.Name)
	}
	d.index[n.Name] = len(d.nodes)
	d.nodes = append(d.nodes, n)
	d.topological = nil
	return nil
}

// AddDependency makes child depend on parent. acceptance states which outcome of a parent condition lets the
// child be created. A dependency that closes a cycle is rejected and not added.
func (d *RecipeDefinition) AddDependency(parentName, childName string, acceptance bool) error {
	child, ok := d.GetNode(childName)
	if !ok {
		return batchflowerrors.InvalidDefinition("UNKNOWN_NODE", "Node '%s' is not defined", childName)
	}
	parent, ok := d.GetNode(parentName)
	if !ok {
		return batchflowerrors.InvalidDefinition("UNKNOWN_NODE", "Node '%s' is not defined", parentName)
	}
	if child.HasParent(parentName) {
		child.ParentalAcceptance[parentName] = acceptance
		return nil
	}
	child.Parents = append(child.Parents, parentName)
	child.ParentalAcceptance[parentName] = acceptance
	parent.Children = append(parent.Children, childName)
	d.topological = nil
	if _, complete := d.calculateTopologicalOrder(); !complete {
		child.Parents = child.Parents[:len(child.Parents)-1]
		delete(child.ParentalAcceptance, parentName)
		parent.Children = parent.Children[:len(parent.Children)-1]
		return batchflowerrors.InvalidDefinition("CIRCULAR_DEPENDENCY",
			"Dependency of '%s' on '%s' creates a circular dependency", childName, parentName)
	}
	return nil
}

func (d *RecipeDefinition) AddDependencyInputConnection(nodeName, inputName, dependencyName, outputName string) error {
	dependency, ok := d.GetNode(dependencyName)
	if !ok {
		return batchflowerrors.InvalidDefinition("UNKNOWN_NODE", "Node '%s' is not defined", dependencyName)
	}
	if dependency.Type == RecipeNodeType {
		return batchflowerrors.InvalidDefinition("CONNECTION_INVALID_NODE", "Node '%s' cannot have a connection to a recipe node", nodeName)
	}
	return d.addConnection(nodeName, Connection{InputName: inputName, NodeName: dependencyName, OutputName: outputName})
}

func (d *RecipeDefinition) AddRecipeInputConnection(nodeName, inputName, recipeInputName string) error {
	if _, ok := d.InputInterface.GetParameter(recipeInputName); !ok {
		return batchflowerrors.InvalidDefinition("UNKNOWN_INPUT", "Recipe input '%s' is not defined", recipeInputName)
	}
	return d.addConnection(nodeName, Connection{InputName: inputName, RecipeInputName: recipeInputName})
}

func (d *RecipeDefinition) addConnection(nodeName string, conn Connection) error {
	n, ok := d.GetNode(nodeName)
	if !ok {
		return batchflowerrors.InvalidDefinition("UNKNOWN_NODE", "Node '%s' is not defined", nodeName)
	}
	if _, exists := n.Connections[conn.InputName]; exists {
		return batchflowerrors.InvalidDefinition("NODE_INTERFACE",
			"Node '%s' interface error: Input '%s' has more than one parameter connected to it", nodeName, conn.InputName)
	}
	n.Connections[conn.InputName] = conn
	return nil
}

func (d *RecipeDefinition) GetNode(name string) (*Node, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.nodes[i], true
}

func (d *RecipeDefinition) HasNode(name string) bool {
	_, ok := d.index[name]
	return ok
}

// NodeNames returns node names in insertion order.
func (d *RecipeDefinition) NodeNames() []string {
	names := make([]string, len(d.nodes))
	for i, n := range d.nodes {
		names[i] = n.Name
	}
	return names
}

// GetTopologicalOrder returns the node names with every parent before its children. Ties keep insertion order.
func (d *RecipeDefinition) GetTopologicalOrder() []string {
	if d.topological == nil {
		order, _ := d.calculateTopologicalOrder()
		d.topological = order
	}
	return append([]string(nil), d.topological...)
}

// calculateTopologicalOrder runs Kahn's algorithm. complete is false if the graph has a cycle.
func (d *RecipeDefinition) calculateTopologicalOrder() ([]string, bool) {
	inDegree := make([]int, len(d.nodes))
	for i, n := range d.nodes {
		inDegree[i] = len(n.Parents)
	}
	order := make([]string, 0, len(d.nodes))
	done := make([]bool, len(d.nodes))
	for len(order) < len(d.nodes) {
		progressed := false
		for i, n := range d.nodes {
			if done[i] || inDegree[i] > 0 {
				continue
			}
			done[i] = true
			progressed = true
			order = append(order, n.Name)
			for _, child := range n.Children {
				inDegree[d.index[child]]--
			}
			break
		}
		if !progressed {
			return order, false
		}
	}
	return order, true
}

// HasAncestor reports whether ancestor is a parent, grandparent, etc. of child.
func (d *RecipeDefinition) HasAncestor(child, ancestor string) bool {
	n, ok := d.GetNode(child)
	if !ok {
		return false
	}
	visited := map[string]bool{}
	stack := append([]string(nil), n.Parents...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if name == ancestor {
			return true
		}
		if visited[name] {
			continue
		}
		visited[name] = true
		parent, _ := d.GetNode(name)
		stack = append(stack, parent.Parents...)
	}
	return false
}

// HasDescendant reports whether descendant is a child, grandchild, etc. of parent.
func (d *RecipeDefinition) HasDescendant(parent, descendant string) bool {
	return d.HasAncestor(descendant, parent)
}

// GetAncestors returns every transitive parent of name.
func (d *RecipeDefinition) GetAncestors(name string) map[string]bool {
	ancestors := map[string]bool{}
	n, ok := d.GetNode(name)
	if !ok {
		return ancestors
	}
	stack := append([]string(nil), n.Parents...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ancestors[current] {
			continue
		}
		ancestors[current] = true
		parent, _ := d.GetNode(current)
		stack = append(stack, parent.Parents...)
	}
	return ancestors
}

func (d *RecipeDefinition) GetJobTypeKeys() []JobTypeKey {
	seen := map[JobTypeKey]bool{}
	var keys []JobTypeKey
	for _, name := range d.GetTopologicalOrder() {
		n, _ := d.GetNode(name)
		if n.Type != JobNodeType {
			continue
		}
		key := JobTypeKey{Name: n.JobTypeName, Version: n.JobTypeVersion}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Version < keys[j].Version
	})
	return keys
}

func (d *RecipeDefinition) GetRecipeTypeNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, n := range d.nodes {
		if n.Type == RecipeNodeType && !seen[n.RecipeTypeName] {
			seen[n.RecipeTypeName] = true
			names = append(names, n.RecipeTypeName)
		}
	}
	sort.Strings(names)
	return names
}

func (d *RecipeDefinition) GetJobNodes(jobTypeName, jobTypeVersion string) []*Node {
	var nodes []*Node
	for _, name := range d.GetTopologicalOrder() {
		n, _ := d.GetNode(name)
		if n.Type == JobNodeType && n.JobTypeName == jobTypeName && n.JobTypeVersion == jobTypeVersion {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// UpdateJobNodes moves job nodes of the given job type to a newer revision. Returns whether any node changed.
func (d *RecipeDefinition) UpdateJobNodes(jobTypeName, jobTypeVersion string, revisionNum int) bool {
	found := false
	for _, n := range d.GetJobNodes(jobTypeName, jobTypeVersion) {
		if n.RevisionNum < revisionNum {
			n.RevisionNum = revisionNum
			found = true
		}
	}
	return found
}

func (d *RecipeDefinition) GetRecipeNodes(recipeTypeName string) []*Node {
	var nodes []*Node
	for _, name := range d.GetTopologicalOrder() {
		n, _ := d.GetNode(name)
		if n.Type == RecipeNodeType && n.RecipeTypeName == recipeTypeName {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (d *RecipeDefinition) UpdateRecipeNodes(recipeTypeName string, revisionNum int) bool {
	found := false
	for _, n := range d.GetRecipeNodes(recipeTypeName) {
		if n.RevisionNum < revisionNum {
			n.RevisionNum = revisionNum
			found = true
		}
	}
	return found
}

// GenerateNodeInputData builds a node's input from the recipe input and the outputs of its parents.
// Connections whose value is not present are skipped; the node's own interface decides whether that is an error.
func (d *RecipeDefinition) GenerateNodeInputData(nodeName string, recipeInput *data.Data, nodeOutputs map[string]*data.Data) (*data.Data, error) {
	n, ok := d.GetNode(nodeName)
	if !ok {
		return nil, batchflowerrors.InvalidDefinition("UNKNOWN_NODE", "Node '%s' is not defined", nodeName)
	}
	input := data.NewData()
	for _, inputName := range sortedConnectionNames(n) {
		conn := n.Connections[inputName]
		source, sourceName := recipeInput, conn.RecipeInputName
		if conn.IsDependency() {
			source, sourceName = nodeOutputs[conn.NodeName], conn.OutputName
		}
		if source == nil || !source.HasValue(sourceName) {
			log.Debugf("no value for input %s of node %s", inputName, nodeName)
			continue
		}
		var err error
		if ids, isFile := source.Files[sourceName]; isFile {
			err = input.AddFileValue(inputName, ids)
		} else {
			err = input.AddJSONValue(inputName, source.JSON[sourceName])
		}
		if err != nil {
			return nil, err
		}
	}
	return input, nil
}

func sortedConnectionNames(n *Node) []string {
	names := make([]string, 0, len(n.Connections))
	for name := range n.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
