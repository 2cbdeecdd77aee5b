package diff

import (
	"encoding/json"
	"sort"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

// ForcedNodes names the recipe nodes that must be reprocessed whether or not they changed. Sub-recipe nodes
// carry their own nested ForcedNodes.
type ForcedNodes struct {
	allNodes   bool
	nodes      map[string]bool
	subRecipes map[string]*ForcedNodes
}

func NewForcedNodes() *ForcedNodes {
	return &ForcedNodes{nodes: map[string]bool{}, subRecipes: map[string]*ForcedNodes{}}
}

// AllForcedNodes returns a ForcedNodes that forces every node.
func AllForcedNodes() *ForcedNodes {
	f := NewForcedNodes()
	f.SetAllNodes()
	return f
}

// Copy returns a deep copy of f.
func (f *ForcedNodes) Copy() *ForcedNodes {
	c := NewForcedNodes()
	c.allNodes = f.allNodes
	for name := range f.nodes {
		c.nodes[name] = true
	}
	for name, sub := range f.subRecipes {
		if sub != nil {
			sub = sub.Copy()
		}
		c.subRecipes[name] = sub
	}
	return c
}

func (f *ForcedNodes) AddNode(name string) {
	f.nodes[name] = true
}

// AddSubRecipe forces the sub-recipe node name and, within it, the nodes in forced.
func (f *ForcedNodes) AddSubRecipe(name string, forced *ForcedNodes) {
	f.nodes[name] = true
	f.subRecipes[name] = forced
}

func (f *ForcedNodes) SetAllNodes() {
	f.allNodes = true
}

func (f *ForcedNodes) AllNodes() bool {
	return f.allNodes
}

func (f *ForcedNodes) IsNodeForcedToReprocess(name string) bool {
	return f.allNodes || f.nodes[name]
}

func (f *ForcedNodes) GetForcedNodeNames() []string {
	return sortedKeys(f.nodes)
}

func (f *ForcedNodes) GetSubRecipeNames() []string {
	names := make([]string, 0, len(f.subRecipes))
	for name := range f.subRecipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetForcedNodesForSubRecipe returns the forced nodes within a sub-recipe, or nil if none are forced. Forcing
// all nodes forces all nodes of every sub-recipe too.
func (f *ForcedNodes) GetForcedNodesForSubRecipe(name string) *ForcedNodes {
	if f.allNodes {
		return AllForcedNodes()
	}
	if sub, ok := f.subRecipes[name]; ok {
		return sub
	}
	return nil
}

type forcedNodesJSON struct {
	Version    string                      `json:"version,omitempty"`
	All        bool                        `json:"all"`
	Nodes      []string                    `json:"nodes,omitempty"`
	SubRecipes map[string]*forcedNodesJSON `json:"sub_recipes,omitempty"`
}

func (f *ForcedNodes) toJSON(version string) *forcedNodesJSON {
	out := &forcedNodesJSON{Version: version, All: f.allNodes}
	if f.allNodes {
		return out
	}
	out.Nodes = f.GetForcedNodeNames()
	if len(f.subRecipes) > 0 {
		out.SubRecipes = map[string]*forcedNodesJSON{}
		for name, sub := range f.subRecipes {
			out.SubRecipes[name] = sub.toJSON("")
		}
	}
	return out
}

func (f *ForcedNodes) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.toJSON("7"))
}

func (f *ForcedNodes) UnmarshalJSON(b []byte) error {
	var in forcedNodesJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return batchflowerrors.InvalidForcedNodes("INVALID_FORCED_NODES", "Invalid forced nodes: %v", err)
	}
	if in.Version != "" && in.Version != "6" && in.Version != "7" {
		return batchflowerrors.InvalidForcedNodes("INVALID_VERSION", "%s is an unsupported version number", in.Version)
	}
	parsed, err := fromJSON(&in)
	if err != nil {
		return err
	}
	*f = *parsed
	return nil
}

func fromJSON(in *forcedNodesJSON) (*ForcedNodes, error) {
	f := NewForcedNodes()
	if in.All {
		f.SetAllNodes()
	}
	for _, name := range in.Nodes {
		f.AddNode(name)
	}
	for name, sub := range in.SubRecipes {
		if sub == nil {
			return nil, batchflowerrors.InvalidForcedNodes("INVALID_FORCED_NODES", "Sub-recipe '%s' has no forced nodes", name)
		}
		parsedSub, err := fromJSON(sub)
		if err != nil {
			return nil, err
		}
		f.AddSubRecipe(name, parsedSub)
	}
	return f, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
