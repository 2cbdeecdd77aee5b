package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/recipe/definition"
	"github.com/G-Research/batchflow/internal/recipe/diff"
	"github.com/G-Research/batchflow/internal/store"
)

// How a CreateRecipes message creates its recipes.
const (
	CreateRecipesNew       = "new-recipe"
	CreateRecipesReprocess = "reprocess"
	CreateRecipesSub       = "sub-recipes"
)

const MaxCreateRecipes = 100

// SubRecipe is a recipe node of a recipe that needs a sub-recipe.
type SubRecipe struct {
	RecipeTypeName string `json:"recipe_type_name"`
	RevisionNum    int    `json:"recipe_type_rev_num"`
	NodeName       string `json:"node_name"`
	ProcessInput   bool   `json:"process_input"`
}

// CreateRecipes creates a new top level recipe, recipes that reprocess (and supersede) existing top level
// recipes, or the sub-recipes of a recipe. Recipes that supersede others copy over the nodes that are unchanged
// and have the rest of the old nodes superseded. Running it again finds the recipes it created before.
type CreateRecipes struct {
	base
	CreateRecipesType string            `json:"create_recipes_type"`
	EventID           int64             `json:"event_id"`
	BatchID           int64             `json:"batch_id,omitempty"`
	ForcedNodes       *diff.ForcedNodes `json:"forced_nodes,omitempty"`

	RecipeTypeName   string     `json:"recipe_type_name,omitempty"`
	RecipeTypeRevNum int        `json:"recipe_type_rev_num,omitempty"`
	RecipeInputData  *data.Data `json:"recipe_input_data,omitempty"`
	RootRecipeIDs    []int64    `json:"root_recipe_ids,omitempty"`

	RecipeID           int64       `json:"recipe_id,omitempty"`
	RootRecipeID       int64       `json:"root_recipe_id,omitempty"`
	SupersededRecipeID int64       `json:"superseded_recipe_id,omitempty"`
	SubRecipes         []SubRecipe `json:"sub_recipes,omitempty"`
}

func CreateNewRecipeMessage(recipeTypeName string, revisionNum int, eventID, batchID int64, input *data.Data) *CreateRecipes {
	return &CreateRecipes{
		CreateRecipesType: CreateRecipesNew,
		EventID:           eventID,
		BatchID:           batchID,
		RecipeTypeName:    recipeTypeName,
		RecipeTypeRevNum:  revisionNum,
		RecipeInputData:   input,
	}
}

func CreateReprocessMessages(rootRecipeIDs []int64, recipeTypeName string, revisionNum int, eventID, batchID int64, forced *diff.ForcedNodes) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(rootRecipeIDs, MaxCreateRecipes) {
		msgs = append(msgs, &CreateRecipes{
			CreateRecipesType: CreateRecipesReprocess,
			EventID:           eventID,
			BatchID:           batchID,
			ForcedNodes:       forced,
			RecipeTypeName:    recipeTypeName,
			RecipeTypeRevNum:  revisionNum,
			RootRecipeIDs:     ids,
		})
	}
	return msgs
}

func CreateSubRecipesMessages(recipe *store.Recipe, subRecipes []SubRecipe, forced *diff.ForcedNodes) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(subRecipes, MaxCreateRecipes) {
		msgs = append(msgs, &CreateRecipes{
			CreateRecipesType:  CreateRecipesSub,
			EventID:            recipe.EventID,
			BatchID:            recipe.BatchID,
			ForcedNodes:        forced,
			RecipeID:           recipe.ID,
			RootRecipeID:       recipe.RootRecipeID,
			SupersededRecipeID: recipe.SupersededRecipeID,
			SubRecipes:         batch,
		})
	}
	return msgs
}

func (m *CreateRecipes) Type() string { return CreateRecipesType }

// recipePair is a new recipe and the recipe it supersedes, with the difference between their definitions.
type recipePair struct {
	old, new *store.Recipe
	delta    *diff.RecipeGraphDelta
}

func (m *CreateRecipes) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		var recipes []*store.Recipe
		var pairs []recipePair
		processInput := map[int64]bool{}
		var err error
		switch m.CreateRecipesType {
		case CreateRecipesNew:
			recipes, err = m.createNew(ctx, tx)
		case CreateRecipesReprocess:
			recipes, pairs, err = m.createForReprocess(ctx, tx)
		case CreateRecipesSub:
			recipes, pairs, err = m.createSubRecipes(ctx, tx, processInput)
		default:
			log.Errorf("unknown create recipes type %q, message will not re-run", m.CreateRecipesType)
			return nil
		}
		if err != nil {
			return err
		}
		m.emit(out, recipes, pairs, processInput)
		return nil
	})
}

func (m *CreateRecipes) createNew(ctx context.Context, tx store.Tx) ([]*store.Recipe, error) {
	log := logging.FromContext(ctx)
	recipeType, err := activeRecipeType(ctx, tx, m.RecipeTypeName)
	if err != nil || recipeType == nil {
		return nil, err
	}
	revisionNum := m.RecipeTypeRevNum
	if revisionNum == 0 {
		revisionNum = recipeType.RevisionNum
	}
	input := m.RecipeInputData
	if input == nil {
		input = data.NewData()
	}
	existing, err := m.findExistingNewRecipe(ctx, tx, recipeType.ID, input)
	if err != nil || existing != nil {
		return []*store.Recipe{existing}, err
	}
	def, err := store.GetRecipeDefinition(ctx, tx, recipeType.ID, revisionNum)
	if err != nil {
		return nil, err
	}
	input = input.Copy()
	if _, err := input.Validate(def.InputInterface); err != nil {
		log.WithError(err).Errorf("recipe type %s was given invalid input data, message will not re-run", m.RecipeTypeName)
		return nil, nil
	}
	recipe := m.newRecipe(recipeType.ID, revisionNum)
	recipe.Input = input
	if err := m.insertRecipes(ctx, tx, recipe); err != nil {
		return nil, err
	}
	log.Infof("created recipe %d of type %s", recipe.ID, m.RecipeTypeName)
	return []*store.Recipe{recipe}, nil
}

func (m *CreateRecipes) findExistingNewRecipe(ctx context.Context, tx store.Tx, recipeTypeID int64, input *data.Data) (*store.Recipe, error) {
	want, err := json.Marshal(input)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	recipes, err := store.List(ctx, tx, func(r *store.Recipe) bool {
		if r.RecipeTypeID != recipeTypeID || r.EventID != m.EventID || r.BatchID != m.BatchID || r.RecipeID != 0 || r.SupersededRecipeID != 0 {
			return false
		}
		got, err := json.Marshal(r.Input)
		return err == nil && bytes.Equal(got, want)
	})
	if err != nil || len(recipes) == 0 {
		return nil, err
	}
	return recipes[0], nil
}

func (m *CreateRecipes) createForReprocess(ctx context.Context, tx store.Tx) ([]*store.Recipe, []recipePair, error) {
	log := logging.FromContext(ctx)
	// Locking the recipes being superseded serialises competing reprocess requests.
	oldRecipes, err := store.GetLocked[store.Recipe](ctx, tx, m.RootRecipeIDs)
	if err != nil {
		return nil, nil, err
	}
	existing, err := store.List(ctx, tx, func(r *store.Recipe) bool {
		return r.EventID == m.EventID && slices.Contains(m.RootRecipeIDs, r.SupersededRecipeID)
	})
	if err != nil {
		return nil, nil, err
	}
	if len(existing) > 0 {
		log.Warn("recipes have already been reprocessed, resending messages")
		pairs, err := m.rebuildPairs(ctx, tx, existing, oldRecipes, func(string) *diff.ForcedNodes { return m.ForcedNodes })
		return existing, pairs, err
	}

	recipeType, err := activeRecipeType(ctx, tx, m.RecipeTypeName)
	if err != nil || recipeType == nil {
		return nil, nil, err
	}
	revisionNum := m.RecipeTypeRevNum
	if revisionNum == 0 {
		revisionNum = recipeType.RevisionNum
	}
	newDef, err := store.GetRecipeDefinition(ctx, tx, recipeType.ID, revisionNum)
	if err != nil {
		return nil, nil, err
	}

	when := m.now()
	var pairs []recipePair
	var recipes, superseded []*store.Recipe
	cannotReprocess := 0
	for _, old := range oldRecipes {
		if old.IsSuperseded || old.RecipeID != 0 || old.RecipeTypeID != recipeType.ID {
			cannotReprocess++
			continue
		}
		delta, err := m.deltaFor(ctx, tx, old, newDef, m.ForcedNodes)
		if err != nil {
			return nil, nil, err
		}
		if !delta.CanBeReprocessed() {
			log.Warnf("recipe %d cannot be reprocessed: %v", old.ID, delta.ReasonsForReprocessFailure())
			cannotReprocess++
			continue
		}
		recipe := m.newRecipe(recipeType.ID, revisionNum)
		supersede(recipe, old)
		recipe.Input = data.NewData()
		if old.Input != nil {
			recipe.Input = old.Input.Copy()
		}
		if _, err := recipe.Input.Validate(newDef.InputInterface); err != nil {
			log.WithError(err).Warnf("input of recipe %d does not fit the new revision", old.ID)
			cannotReprocess++
			continue
		}
		old.IsSuperseded = true
		old.Superseded = &when
		old.LastModified = when
		recipes = append(recipes, recipe)
		superseded = append(superseded, old)
		pairs = append(pairs, recipePair{old: old, new: recipe, delta: delta})
	}
	if err := store.Save(ctx, tx, superseded...); err != nil {
		return nil, nil, err
	}
	if err := m.insertRecipes(ctx, tx, recipes...); err != nil {
		return nil, nil, err
	}
	if err := copyRecipeNodes(ctx, tx, pairs); err != nil {
		return nil, nil, err
	}
	log.Infof("created %d recipe(s) to reprocess, could not reprocess %d recipe(s)", len(recipes), cannotReprocess)
	return recipes, pairs, nil
}

func (m *CreateRecipes) createSubRecipes(ctx context.Context, tx store.Tx, processInput map[int64]bool) ([]*store.Recipe, []recipePair, error) {
	log := logging.FromContext(ctx)
	parents, err := store.GetLocked[store.Recipe](ctx, tx, []int64{m.RecipeID})
	if err != nil {
		return nil, nil, err
	}
	if len(parents) == 0 {
		log.Errorf("recipe %d does not exist, message will not re-run", m.RecipeID)
		return nil, nil, nil
	}

	oldByNode := map[string]*store.Recipe{}
	if m.SupersededRecipeID != 0 {
		if oldByNode, err = subRecipesByNode(ctx, tx, m.SupersededRecipeID); err != nil {
			return nil, nil, err
		}
	}
	forcedFor := func(nodeName string) *diff.ForcedNodes { return forcedForSubRecipe(m.ForcedNodes, nodeName) }

	existingByNode, err := subRecipesByNode(ctx, tx, m.RecipeID)
	if err != nil {
		return nil, nil, err
	}
	var existing []*store.Recipe
	for _, sr := range m.SubRecipes {
		if r, ok := existingByNode[sr.NodeName]; ok && r.EventID == m.EventID {
			existing = append(existing, r)
			processInput[r.ID] = sr.ProcessInput
		}
	}
	if len(existing) > 0 {
		olds := make([]*store.Recipe, 0, len(oldByNode))
		for _, old := range oldByNode {
			olds = append(olds, old)
		}
		pairs, err := m.rebuildPairs(ctx, tx, existing, olds, forcedFor)
		return existing, pairs, err
	}

	rootID := m.RootRecipeID
	if rootID == 0 {
		rootID = m.RecipeID
	}
	var recipes []*store.Recipe
	var pairs []recipePair
	for _, sr := range m.SubRecipes {
		recipeType, err := activeRecipeType(ctx, tx, sr.RecipeTypeName)
		if err != nil || recipeType == nil {
			return nil, nil, err
		}
		revisionNum := sr.RevisionNum
		if revisionNum == 0 {
			revisionNum = recipeType.RevisionNum
		}
		recipe := m.newRecipe(recipeType.ID, revisionNum)
		recipe.RecipeID = m.RecipeID
		recipe.RootRecipeID = rootID
		recipes = append(recipes, recipe)

		if old, ok := oldByNode[sr.NodeName]; ok {
			supersede(recipe, old)
			newDef, err := store.GetRecipeDefinition(ctx, tx, recipeType.ID, revisionNum)
			if err != nil {
				return nil, nil, err
			}
			delta, err := m.deltaFor(ctx, tx, old, newDef, forcedFor(sr.NodeName))
			if err != nil {
				return nil, nil, err
			}
			pairs = append(pairs, recipePair{old: old, new: recipe, delta: delta})
		}
	}
	if err := m.insertRecipes(ctx, tx, recipes...); err != nil {
		return nil, nil, err
	}
	nodes := make([]*store.RecipeNode, len(recipes))
	for i, recipe := range recipes {
		nodes[i] = &store.RecipeNode{RecipeID: m.RecipeID, NodeName: m.SubRecipes[i].NodeName, IsOriginal: true, SubRecipeID: recipe.ID}
		processInput[recipe.ID] = m.SubRecipes[i].ProcessInput
	}
	if err := store.Insert(ctx, tx, nodes...); err != nil {
		return nil, nil, err
	}
	if err := copyRecipeNodes(ctx, tx, pairs); err != nil {
		return nil, nil, err
	}
	log.Infof("created %d sub-recipe(s) for recipe %d", len(recipes), m.RecipeID)
	return recipes, pairs, nil
}

// rebuildPairs recomputes the deltas of recipes created by an earlier run of the message so that its messages
// can be sent again.
func (m *CreateRecipes) rebuildPairs(ctx context.Context, tx store.Tx, recipes, olds []*store.Recipe, forced func(string) *diff.ForcedNodes) ([]recipePair, error) {
	oldByID := make(map[int64]*store.Recipe, len(olds))
	for _, old := range olds {
		oldByID[old.ID] = old
	}
	var pairs []recipePair
	for _, recipe := range recipes {
		old, ok := oldByID[recipe.SupersededRecipeID]
		if !ok {
			continue
		}
		newDef, err := store.GetDefinitionForRecipe(ctx, tx, recipe)
		if err != nil {
			return nil, err
		}
		nodeName := ""
		if recipe.RecipeID != 0 {
			if nodeName, err = nodeNameFor(ctx, tx, recipe.RecipeID, func(n *store.RecipeNode) bool { return n.SubRecipeID == recipe.ID }); err != nil {
				return nil, err
			}
		}
		delta, err := m.deltaFor(ctx, tx, old, newDef, forced(nodeName))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, recipePair{old: old, new: recipe, delta: delta})
	}
	return pairs, nil
}

func (m *CreateRecipes) deltaFor(ctx context.Context, tx store.Tx, old *store.Recipe, newDef *definition.RecipeDefinition, forced *diff.ForcedNodes) (*diff.RecipeGraphDelta, error) {
	oldDef, err := store.GetDefinitionForRecipe(ctx, tx, old)
	if err != nil {
		return nil, err
	}
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{old.ID})
	if err != nil {
		return nil, err
	}
	materialized := make([]string, len(nodes))
	for i, n := range nodes {
		materialized[i] = n.NodeName
	}
	delta := diff.NewRecipeGraphDelta(oldDef, newDef, materialized)
	if forced != nil {
		delta.SetForceReprocess(forced)
	}
	return delta, nil
}

func (m *CreateRecipes) newRecipe(recipeTypeID int64, revisionNum int) *store.Recipe {
	now := m.now()
	return &store.Recipe{
		RecipeTypeID:          recipeTypeID,
		RecipeTypeRevisionNum: revisionNum,
		EventID:               m.EventID,
		BatchID:               m.BatchID,
		Created:               now,
		LastModified:          now,
	}
}

func (m *CreateRecipes) insertRecipes(ctx context.Context, tx store.Tx, recipes ...*store.Recipe) error {
	if err := store.Insert(ctx, tx, recipes...); err != nil {
		return err
	}
	if m.BatchID == 0 {
		return nil
	}
	var links []*store.BatchRecipe
	for _, r := range recipes {
		if r.RecipeID == 0 {
			links = append(links, &store.BatchRecipe{BatchID: m.BatchID, RecipeID: r.ID})
		}
	}
	return store.Insert(ctx, tx, links...)
}

func supersede(recipe, old *store.Recipe) {
	recipe.SupersededRecipeID = old.ID
	recipe.RootSupersededRecipeID = old.RootSupersededRecipeID
	if recipe.RootSupersededRecipeID == 0 {
		recipe.RootSupersededRecipeID = old.ID
	}
}

// copyRecipeNodes gives each new recipe the nodes of its old recipe that carry over unchanged.
func copyRecipeNodes(ctx context.Context, tx store.Tx, pairs []recipePair) error {
	var copies []*store.RecipeNode
	for _, p := range pairs {
		toCopy := map[string]bool{}
		for _, nd := range p.delta.GetNodesToCopy() {
			toCopy[nd.Name] = true
		}
		if len(toCopy) == 0 {
			continue
		}
		nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{p.old.ID})
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if toCopy[n.NodeName] {
				copies = append(copies, &store.RecipeNode{
					RecipeID:    p.new.ID,
					NodeName:    n.NodeName,
					JobID:       n.JobID,
					SubRecipeID: n.SubRecipeID,
					ConditionID: n.ConditionID,
				})
			}
		}
	}
	return store.Insert(ctx, tx, copies...)
}

func (m *CreateRecipes) emit(out *outbox, recipes []*store.Recipe, pairs []recipePair, processInput map[int64]bool) {
	when := m.now()
	forcedByID := map[int64]*diff.ForcedNodes{}
	for _, p := range pairs {
		nodes, forced := supersedeNodesFor(p.delta)
		if !nodes.empty() {
			out.add(CreateSupersedeRecipeNodesMessages([]int64{p.old.ID}, when, nodes)...)
		}
		if forced != nil {
			forcedByID[p.new.ID] = forced
		}
	}

	for _, recipe := range recipes {
		forced, ok := forcedByID[recipe.ID]
		if !ok && m.CreateRecipesType != CreateRecipesSub {
			forced = m.ForcedNodes
		}
		switch {
		case m.CreateRecipesType != CreateRecipesSub, recipe.HasInput(), processInput[recipe.ID]:
			out.add(CreateProcessRecipeInputMessage(recipe.ID, forced))
		default:
			out.add(CreateUpdateRecipeMessage(recipe.ID, forced))
		}
	}
	if m.RecipeID != 0 {
		out.add(CreateUpdateRecipeMetricsMessages([]int64{m.RecipeID})...)
	}
}

// supersedeNodesFor works out which nodes of an old recipe a delta supersedes. It also returns the forced
// nodes for the new recipe, with recursively superseded sub-recipes forced entirely.
func supersedeNodesFor(delta *diff.RecipeGraphDelta) (SupersedeNodes, *diff.ForcedNodes) {
	var nodes SupersedeNodes
	for _, nd := range delta.GetNodesToSupersede() {
		switch previousType(nd) {
		case definition.JobNodeType:
			nodes.SupersedeJobs = append(nodes.SupersedeJobs, nd.Name)
		case definition.RecipeNodeType:
			nodes.SupersedeSubRecipes = append(nodes.SupersedeSubRecipes, nd.Name)
		}
	}
	var forced *diff.ForcedNodes
	if delta.ForcedNodes() != nil {
		forced = delta.ForcedNodes().Copy()
	}
	for _, nd := range delta.GetNodesToRecursivelySupersede() {
		if previousType(nd) != definition.RecipeNodeType {
			continue
		}
		nodes.SupersedeRecursive = append(nodes.SupersedeRecursive, nd.Name)
		if forced == nil {
			forced = diff.NewForcedNodes()
		}
		forced.AddSubRecipe(nd.Name, diff.AllForcedNodes())
	}
	for _, nd := range delta.GetNodesToUnpublish() {
		switch previousType(nd) {
		case definition.JobNodeType:
			nodes.UnpublishJobs = append(nodes.UnpublishJobs, nd.Name)
		case definition.RecipeNodeType:
			nodes.UnpublishRecursive = append(nodes.UnpublishRecursive, nd.Name)
		}
	}
	return nodes, forced
}

// previousType is the type the node had in the old recipe.
func previousType(nd *diff.NodeDiff) definition.NodeType {
	if nd.PrevNodeType != "" {
		return nd.PrevNodeType
	}
	return nd.NodeType
}

func activeRecipeType(ctx context.Context, tx store.Tx, name string) (*store.RecipeType, error) {
	recipeType, err := store.GetRecipeTypeByName(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if recipeType == nil || !recipeType.IsActive {
		logging.FromContext(ctx).Errorf("recipe type %s is missing or inactive, message will not re-run", name)
		return nil, nil
	}
	return recipeType, nil
}

// subRecipesByNode returns the sub-recipes of a recipe keyed by node name.
func subRecipesByNode(ctx context.Context, tx store.Tx, recipeID int64) (map[string]*store.Recipe, error) {
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{recipeID})
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, n := range nodes {
		if n.SubRecipeID != 0 {
			ids = append(ids, n.SubRecipeID)
		}
	}
	recipes, err := store.GetMany[store.Recipe](ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*store.Recipe, len(recipes))
	for _, r := range recipes {
		byID[r.ID] = r
	}
	result := map[string]*store.Recipe{}
	for _, n := range nodes {
		if r, ok := byID[n.SubRecipeID]; ok {
			result[n.NodeName] = r
		}
	}
	return result, nil
}

// SupersedeNodes names the nodes a SupersedeRecipeNodes message acts on.
type SupersedeNodes struct {
	SupersedeAll          bool     `json:"supersede_all"`
	SupersedeJobs         []string `json:"supersede_jobs,omitempty"`
	SupersedeSubRecipes   []string `json:"supersede_subrecipes,omitempty"`
	UnpublishAll          bool     `json:"unpublish_all"`
	UnpublishJobs         []string `json:"unpublish_jobs,omitempty"`
	SupersedeRecursiveAll bool     `json:"supersede_recursive_all"`
	SupersedeRecursive    []string `json:"supersede_recursive,omitempty"`
	UnpublishRecursiveAll bool     `json:"unpublish_recursive_all"`
	UnpublishRecursive    []string `json:"unpublish_recursive,omitempty"`
}

func (s SupersedeNodes) empty() bool {
	return !s.SupersedeAll && !s.UnpublishAll && !s.SupersedeRecursiveAll && !s.UnpublishRecursiveAll &&
		len(s.SupersedeJobs)+len(s.SupersedeSubRecipes)+len(s.UnpublishJobs)+len(s.SupersedeRecursive)+len(s.UnpublishRecursive) == 0
}

const MaxSupersedeRecipeNodes = 100

// SupersedeRecipeNodes supersedes the named jobs and sub-recipes of recipes. Superseded jobs are canceled, the
// products of unpublished jobs are unpublished and sub-recipes can be superseded (and unpublished) recursively.
type SupersedeRecipeNodes struct {
	base
	SupersedeNodes
	When      time.Time `json:"when"`
	RecipeIDs []int64   `json:"recipe_ids"`
}

func CreateSupersedeRecipeNodesMessages(recipeIDs []int64, when time.Time, nodes SupersedeNodes) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(recipeIDs, MaxSupersedeRecipeNodes) {
		msgs = append(msgs, &SupersedeRecipeNodes{SupersedeNodes: nodes, When: when, RecipeIDs: ids})
	}
	return msgs
}

func (m *SupersedeRecipeNodes) Type() string { return SupersedeRecipeNodesType }

func (m *SupersedeRecipeNodes) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		nodes, err := store.RecipeNodesForRecipes(ctx, tx, m.RecipeIDs)
		if err != nil {
			return err
		}
		var supersedeJobIDs, unpublishJobIDs, supersedeRecipeIDs, recursiveIDs, unpublishRecursiveIDs []int64
		for _, n := range nodes {
			switch {
			case n.JobID != 0:
				if m.SupersedeAll || slices.Contains(m.SupersedeJobs, n.NodeName) {
					supersedeJobIDs = append(supersedeJobIDs, n.JobID)
				}
				if m.UnpublishAll || slices.Contains(m.UnpublishJobs, n.NodeName) {
					unpublishJobIDs = append(unpublishJobIDs, n.JobID)
				}
			case n.SubRecipeID != 0:
				if m.SupersedeAll || slices.Contains(m.SupersedeSubRecipes, n.NodeName) {
					supersedeRecipeIDs = append(supersedeRecipeIDs, n.SubRecipeID)
				}
				if m.UnpublishRecursiveAll || slices.Contains(m.UnpublishRecursive, n.NodeName) {
					unpublishRecursiveIDs = append(unpublishRecursiveIDs, n.SubRecipeID)
				} else if m.SupersedeRecursiveAll || slices.Contains(m.SupersedeRecursive, n.NodeName) {
					recursiveIDs = append(recursiveIDs, n.SubRecipeID)
				}
			}
		}

		jobs, err := store.GetLockedJobs(ctx, tx, uniqueSorted(supersedeJobIDs))
		if err != nil {
			return err
		}
		jobs = filterJobs(jobs, func(j *store.Job) bool { return !j.IsSuperseded })
		for _, job := range jobs {
			job.IsSuperseded = true
			job.Superseded = &m.When
			job.LastModified = m.When
		}
		if err := store.Save(ctx, tx, jobs...); err != nil {
			return err
		}
		recipes, err := store.GetLocked[store.Recipe](ctx, tx, uniqueSorted(supersedeRecipeIDs))
		if err != nil {
			return err
		}
		var superseded []*store.Recipe
		for _, r := range recipes {
			if !r.IsSuperseded {
				r.IsSuperseded = true
				r.Superseded = &m.When
				r.LastModified = m.When
				superseded = append(superseded, r)
			}
		}
		if err := store.Save(ctx, tx, superseded...); err != nil {
			return err
		}
		unpublished, err := unpublishJobProducts(ctx, tx, uniqueSorted(unpublishJobIDs), m.When)
		if err != nil {
			return err
		}
		log.Infof("superseded %d job(s) and %d sub-recipe(s), unpublished %d product(s)", len(jobs), len(superseded), unpublished)

		out.add(CreateCancelJobsMessages(uniqueSorted(supersedeJobIDs), m.When)...)
		out.add(CreateSupersedeRecipeNodesMessages(uniqueSorted(recursiveIDs), m.When, SupersedeNodes{
			SupersedeAll:          true,
			SupersedeRecursiveAll: true,
		})...)
		out.add(CreateSupersedeRecipeNodesMessages(uniqueSorted(unpublishRecursiveIDs), m.When, SupersedeNodes{
			SupersedeAll:          true,
			UnpublishAll:          true,
			SupersedeRecursiveAll: true,
			UnpublishRecursiveAll: true,
		})...)
		return nil
	})
}

// unpublishJobProducts unpublishes the published products of jobs, returning how many were unpublished.
func unpublishJobProducts(ctx context.Context, tx store.Tx, jobIDs []int64, when time.Time) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	products, err := store.List(ctx, tx, func(f *store.ScaleFile) bool {
		return f.IsPublished && slices.Contains(jobIDs, f.JobID)
	})
	if err != nil {
		return 0, err
	}
	for _, f := range products {
		f.IsPublished = false
		f.Unpublished = &when
	}
	return len(products), store.Save(ctx, tx, products...)
}

const MaxReprocessRecipes = 100

// ReprocessRecipes reprocesses the top level recipes containing the given recipes under a recipe type revision.
// Without a recipe type name each recipe is reprocessed under the latest revision of its own type.
type ReprocessRecipes struct {
	base
	RecipeIDs      []int64           `json:"recipe_ids"`
	RecipeTypeName string            `json:"recipe_type_name,omitempty"`
	RevisionNum    int               `json:"revision_num,omitempty"`
	ForcedNodes    *diff.ForcedNodes `json:"forced_nodes,omitempty"`
	BatchID        int64             `json:"batch_id,omitempty"`
	EventID        int64             `json:"event_id"`
}

func CreateReprocessRecipesMessages(recipeIDs []int64, recipeTypeName string, revisionNum int, eventID, batchID int64, forced *diff.ForcedNodes) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(recipeIDs, MaxReprocessRecipes) {
		msgs = append(msgs, &ReprocessRecipes{
			RecipeIDs:      ids,
			RecipeTypeName: recipeTypeName,
			RevisionNum:    revisionNum,
			ForcedNodes:    forced,
			BatchID:        batchID,
			EventID:        eventID,
		})
	}
	return msgs
}

func (m *ReprocessRecipes) Type() string { return ReprocessRecipesType }

func (m *ReprocessRecipes) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	var msgs []messaging.CommandMessage
	err := m.env.Store.View(ctx, func(tx store.Tx) error {
		msgs = nil
		recipes, err := store.GetMany[store.Recipe](ctx, tx, m.RecipeIDs)
		if err != nil {
			return err
		}
		rootIDs := make([]int64, len(recipes))
		for i, r := range recipes {
			rootIDs[i] = r.RootID()
		}
		roots, err := store.GetMany[store.Recipe](ctx, tx, uniqueSorted(rootIDs))
		if err != nil {
			return err
		}
		roots = filterRecipes(roots, func(r *store.Recipe) bool { return !r.IsSuperseded })

		if m.RecipeTypeName != "" {
			msgs = CreateReprocessMessages(store.IDs(roots), m.RecipeTypeName, m.RevisionNum, m.EventID, m.BatchID, m.ForcedNodes)
			return nil
		}
		byType := map[int64][]int64{}
		var typeIDs []int64
		for _, r := range roots {
			if _, ok := byType[r.RecipeTypeID]; !ok {
				typeIDs = append(typeIDs, r.RecipeTypeID)
			}
			byType[r.RecipeTypeID] = append(byType[r.RecipeTypeID], r.ID)
		}
		recipeTypes, err := store.GetMany[store.RecipeType](ctx, tx, typeIDs)
		if err != nil {
			return err
		}
		for _, rt := range recipeTypes {
			msgs = append(msgs, CreateReprocessMessages(byType[rt.ID], rt.Name, rt.RevisionNum, m.EventID, m.BatchID, m.ForcedNodes)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func filterRecipes(recipes []*store.Recipe, keep func(*store.Recipe) bool) []*store.Recipe {
	var result []*store.Recipe
	for _, r := range recipes {
		if keep(r) {
			result = append(result, r)
		}
	}
	return result
}
