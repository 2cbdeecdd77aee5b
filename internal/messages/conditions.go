package messages

import (
	"context"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/recipe/datafilter"
	"github.com/G-Research/batchflow/internal/recipe/diff"
	"github.com/G-Research/batchflow/internal/store"
)

const MaxCreateConditions = 100

// RecipeConditionNode is a condition node of a recipe that needs a condition.
type RecipeConditionNode struct {
	NodeName     string `json:"node_name"`
	ProcessInput bool   `json:"process_input"`
}

// CreateConditions creates the conditions of recipe nodes. Running it again finds the conditions it created
// before.
type CreateConditions struct {
	base
	RecipeID     int64                 `json:"recipe_id"`
	RootRecipeID int64                 `json:"root_recipe_id,omitempty"`
	BatchID      int64                 `json:"batch_id,omitempty"`
	Conditions   []RecipeConditionNode `json:"conditions"`
}

func CreateConditionsMessages(recipe *store.Recipe, conditions []RecipeConditionNode) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(conditions, MaxCreateConditions) {
		msgs = append(msgs, &CreateConditions{
			RecipeID:     recipe.ID,
			RootRecipeID: recipe.RootRecipeID,
			BatchID:      recipe.BatchID,
			Conditions:   batch,
		})
	}
	return msgs
}

func (m *CreateConditions) Type() string { return CreateConditionsType }

func (m *CreateConditions) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		recipes, err := store.GetLocked[store.Recipe](ctx, tx, []int64{m.RecipeID})
		if err != nil {
			return err
		}
		if len(recipes) == 0 {
			log.Errorf("recipe %d does not exist, message will not re-run", m.RecipeID)
			return nil
		}
		nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{m.RecipeID})
		if err != nil {
			return err
		}
		existing := map[string]int64{}
		for _, n := range nodes {
			if n.ConditionID != 0 {
				existing[n.NodeName] = n.ConditionID
			}
		}

		now := m.now()
		var toProcess []int64
		var created []*store.RecipeCondition
		var createdFor []RecipeConditionNode
		for _, c := range m.Conditions {
			if id, ok := existing[c.NodeName]; ok {
				if c.ProcessInput {
					toProcess = append(toProcess, id)
				}
				continue
			}
			created = append(created, &store.RecipeCondition{
				RecipeID:     m.RecipeID,
				RootRecipeID: m.RootRecipeID,
				BatchID:      m.BatchID,
				Created:      now,
			})
			createdFor = append(createdFor, c)
		}
		if err := store.Insert(ctx, tx, created...); err != nil {
			return err
		}
		newNodes := make([]*store.RecipeNode, len(created))
		for i, cond := range created {
			newNodes[i] = &store.RecipeNode{RecipeID: m.RecipeID, NodeName: createdFor[i].NodeName, IsOriginal: true, ConditionID: cond.ID}
			if createdFor[i].ProcessInput {
				toProcess = append(toProcess, cond.ID)
			}
		}
		if err := store.Insert(ctx, tx, newNodes...); err != nil {
			return err
		}
		log.Infof("created %d condition(s) for recipe %d", len(created), m.RecipeID)
		out.add(CreateProcessConditionMessages(toProcess)...)
		return nil
	})
}

// ProcessCondition gives a condition its data and evaluates its filter. The outcome is stored so the filter is
// only ever evaluated once; the condition's recipe is updated either way.
type ProcessCondition struct {
	base
	ConditionID int64 `json:"condition_id"`
}

func CreateProcessConditionMessages(conditionIDs []int64) []messaging.CommandMessage {
	msgs := make([]messaging.CommandMessage, len(conditionIDs))
	for i, id := range conditionIDs {
		msgs[i] = &ProcessCondition{ConditionID: id}
	}
	return msgs
}

func (m *ProcessCondition) Type() string { return ProcessConditionType }

func (m *ProcessCondition) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		conditions, err := store.GetLocked[store.RecipeCondition](ctx, tx, []int64{m.ConditionID})
		if err != nil {
			return err
		}
		if len(conditions) == 0 {
			log.Errorf("condition %d does not exist, message will not re-run", m.ConditionID)
			return nil
		}
		cond := conditions[0]
		if !cond.IsProcessed {
			ok, err := m.evaluate(ctx, tx, cond)
			if err != nil || !ok {
				return err
			}
		}
		log.Infof("processed condition %d, updating recipe %d", cond.ID, cond.RootID())
		out.add(CreateUpdateRecipeMessage(cond.RootID(), nil))
		return nil
	})
}

// evaluate stores the condition's data and outcome. It returns false if the recipe generated invalid data, in
// which case the condition is left unprocessed.
func (m *ProcessCondition) evaluate(ctx context.Context, tx store.Tx, cond *store.RecipeCondition) (bool, error) {
	log := logging.FromContext(ctx)
	recipe, err := store.Get[store.Recipe](ctx, tx, cond.RecipeID)
	if err != nil {
		return false, err
	}
	if recipe == nil {
		log.Errorf("recipe %d of condition %d does not exist, message will not re-run", cond.RecipeID, cond.ID)
		return false, nil
	}
	def, err := store.GetDefinitionForRecipe(ctx, tx, recipe)
	if err != nil {
		return false, err
	}
	nodeName, err := nodeNameFor(ctx, tx, recipe.ID, func(n *store.RecipeNode) bool { return n.ConditionID == cond.ID })
	if err != nil {
		return false, err
	}
	node, ok := def.GetNode(nodeName)
	if !ok {
		log.Errorf("condition %d has no node in recipe %d, message will not re-run", cond.ID, recipe.ID)
		return false, nil
	}
	outputs, err := recipeNodeOutputs(ctx, tx, recipe.ID)
	if err != nil {
		return false, err
	}
	input, err := def.GenerateNodeInputData(nodeName, recipe.Input, outputs)
	if err == nil {
		_, err = input.Validate(node.InputInterface)
	}
	if err != nil {
		log.WithError(err).Errorf("recipe %d created invalid data for condition %d, message will not re-run", recipe.ID, cond.ID)
		return false, nil
	}

	accepted := true
	if node.DataFilter != nil {
		files, err := filterFiles(ctx, tx, input)
		if err != nil {
			return false, err
		}
		accepted = node.DataFilter.IsDataAccepted(input, files)
	}
	now := m.now()
	cond.Data = input
	cond.IsProcessed = true
	cond.IsAccepted = accepted
	cond.Processed = &now
	if err := store.Save(ctx, tx, cond); err != nil {
		return false, err
	}
	log.Infof("condition %d (recipe %d at %s) evaluated to %t", cond.ID, recipe.ID, nodeName, accepted)
	return true, nil
}

// filterFiles loads the file metadata a data filter needs for the files in d.
func filterFiles(ctx context.Context, tx store.Tx, d *data.Data) (map[int64]*datafilter.File, error) {
	files, err := store.GetMany[store.ScaleFile](ctx, tx, d.AllFileIDs())
	if err != nil {
		return nil, err
	}
	result := make(map[int64]*datafilter.File, len(files))
	for _, f := range files {
		result[f.ID] = &datafilter.File{FileName: f.FileName, MediaType: f.MediaType, DataTypes: f.DataTypes, Meta: f.Meta}
	}
	return result, nil
}

// ProcessRecipeInput gives a sub-recipe its input from the recipe containing it, records the recipe's input
// files and then updates the recipe.
type ProcessRecipeInput struct {
	base
	RecipeID    int64             `json:"recipe_id"`
	ForcedNodes *diff.ForcedNodes `json:"forced_nodes,omitempty"`
}

func CreateProcessRecipeInputMessage(recipeID int64, forced *diff.ForcedNodes) messaging.CommandMessage {
	return &ProcessRecipeInput{RecipeID: recipeID, ForcedNodes: forced}
}

func CreateProcessRecipeInputMessages(recipeIDs []int64, forced *diff.ForcedNodes) []messaging.CommandMessage {
	msgs := make([]messaging.CommandMessage, len(recipeIDs))
	for i, id := range recipeIDs {
		msgs[i] = CreateProcessRecipeInputMessage(id, forced)
	}
	return msgs
}

func (m *ProcessRecipeInput) Type() string { return ProcessRecipeInputType }

func (m *ProcessRecipeInput) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		recipes, err := store.GetLocked[store.Recipe](ctx, tx, []int64{m.RecipeID})
		if err != nil {
			return err
		}
		if len(recipes) == 0 {
			log.Errorf("recipe %d does not exist, message will not re-run", m.RecipeID)
			return nil
		}
		recipe := recipes[0]
		if !recipe.HasInput() {
			if recipe.RecipeID == 0 {
				log.Errorf("recipe %d has no input and is not in a recipe, message will not re-run", m.RecipeID)
				return nil
			}
			input, err := generateSubRecipeInput(ctx, tx, recipe)
			if err != nil {
				return err
			}
			if input == nil {
				return nil
			}
			recipe.Input = input
			recipe.LastModified = m.now()
			if err := store.Save(ctx, tx, recipe); err != nil {
				return err
			}
		}
		if err := recordRecipeInputFiles(ctx, tx, recipe); err != nil {
			return err
		}
		log.Infof("processed input for recipe %d, updating recipe", recipe.ID)
		out.add(CreateUpdateRecipeMessage(recipe.ID, m.ForcedNodes))
		return nil
	})
}

// generateSubRecipeInput builds a sub-recipe's input from the recipe containing it. It returns nil if the
// generated input is invalid.
func generateSubRecipeInput(ctx context.Context, tx store.Tx, sub *store.Recipe) (*data.Data, error) {
	log := logging.FromContext(ctx)
	parent, err := store.Get[store.Recipe](ctx, tx, sub.RecipeID)
	if err != nil || parent == nil {
		return nil, err
	}
	parentDef, err := store.GetDefinitionForRecipe(ctx, tx, parent)
	if err != nil {
		return nil, err
	}
	subDef, err := store.GetDefinitionForRecipe(ctx, tx, sub)
	if err != nil {
		return nil, err
	}
	nodeName, err := nodeNameFor(ctx, tx, parent.ID, func(n *store.RecipeNode) bool { return n.SubRecipeID == sub.ID })
	if err != nil {
		return nil, err
	}
	outputs, err := recipeNodeOutputs(ctx, tx, parent.ID)
	if err != nil {
		return nil, err
	}
	input, err := parentDef.GenerateNodeInputData(nodeName, parent.Input, outputs)
	if err == nil {
		_, err = input.Validate(subDef.InputInterface)
	}
	if err != nil {
		log.WithError(err).Errorf("recipe %d created invalid input for sub-recipe %d, message will not re-run", parent.ID, sub.ID)
		return nil, nil
	}
	return input, nil
}

func recordRecipeInputFiles(ctx context.Context, tx store.Tx, recipe *store.Recipe) error {
	existing, err := store.List(ctx, tx, func(f *store.RecipeInputFile) bool { return f.RecipeID == recipe.ID })
	if err != nil || len(existing) > 0 {
		return err
	}
	var links []*store.RecipeInputFile
	for _, name := range recipe.Input.Names() {
		for _, id := range recipe.Input.Files[name] {
			links = append(links, &store.RecipeInputFile{RecipeID: recipe.ID, InputFileID: id, RecipeInput: name})
		}
	}
	return store.Insert(ctx, tx, links...)
}
