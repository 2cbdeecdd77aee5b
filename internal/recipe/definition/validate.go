package definition

import (
	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
)

// Validate checks every node's connections against the interfaces of the job and sub-recipe types it refers
// to. The maps are keyed by node name and need entries for every job and recipe node; condition nodes supply
// their own interfaces.
func (d *RecipeDefinition) Validate(nodeInputInterfaces, nodeOutputInterfaces map[string]*data.Interface) ([]batchflowerrors.Warning, error) {
	if err := d.InputInterface.Validate(); err != nil {
		return nil, batchflowerrors.InvalidDefinition("INPUT_INTERFACE", "%v", err)
	}
	inputs := map[string]*data.Interface{}
	outputs := map[string]*data.Interface{}
	for name, iface := range nodeInputInterfaces {
		inputs[name] = iface
	}
	for name, iface := range nodeOutputInterfaces {
		outputs[name] = iface
	}
	var warnings []batchflowerrors.Warning
	for _, name := range d.GetTopologicalOrder() {
		n, _ := d.GetNode(name)
		if n.Type == ConditionNodeType {
			inputs[name] = n.InputInterface
			outputs[name] = n.OutputInterface
			w, err := n.DataFilter.Validate(n.InputInterface)
			if err != nil {
				return nil, batchflowerrors.InvalidDefinition("NODE_INTERFACE", "Node '%s' data filter error: %v", name, err)
			}
			warnings = append(warnings, w...)
		}
		w, err := d.validateNode(n, inputs, outputs)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}
	return warnings, nil
}

func (d *RecipeDefinition) validateNode(n *Node, inputs, outputs map[string]*data.Interface) ([]batchflowerrors.Warning, error) {
	inputInterface, ok := inputs[n.Name]
	if !ok {
		return nil, batchflowerrors.InvalidDefinition("NODE_INTERFACE", "Node '%s' has no input interface", n.Name)
	}
	ancestors := d.GetAncestors(n.Name)
	connecting := data.NewInterface()
	for _, inputName := range sortedConnectionNames(n) {
		conn := n.Connections[inputName]
		sourceInterface, sourceName := d.InputInterface, conn.RecipeInputName
		if conn.IsDependency() {
			if !ancestors[conn.NodeName] {
				return nil, batchflowerrors.InvalidDefinition("MISSING_DEPENDENCY",
					"Node '%s' cannot get output '%s' without dependency on node '%s'", n.Name, conn.OutputName, conn.NodeName)
			}
			sourceInterface, sourceName = outputs[conn.NodeName], conn.OutputName
		}
		if sourceInterface == nil {
			return nil, batchflowerrors.InvalidDefinition("NODE_INTERFACE", "Node '%s' has no output interface", conn.NodeName)
		}
		p, ok := sourceInterface.GetParameter(sourceName)
		if !ok {
			return nil, batchflowerrors.InvalidDefinition("NODE_INTERFACE",
				"Node '%s' interface error: '%s' is not an available output", n.Name, sourceName)
		}
		renamed := p.Copy()
		renamed.Name = inputName
		if err := connecting.AddParameter(renamed); err != nil {
			return nil, batchflowerrors.InvalidDefinition("NODE_INTERFACE", "Node '%s' interface error: %v", n.Name, err)
		}
	}
	warnings, err := inputInterface.ValidateConnection(connecting)
	if err != nil {
		return nil, batchflowerrors.InvalidDefinition("NODE_INTERFACE", "Node '%s' interface error: %v", n.Name, err)
	}
	return warnings, nil
}
