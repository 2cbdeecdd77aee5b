package messages

import (
	"context"
	"time"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/recipe/definition"
	"github.com/G-Research/batchflow/internal/recipe/diff"
	"github.com/G-Research/batchflow/internal/recipe/instance"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	MaxUpdateRecipes       = 100
	MaxUpdateRecipeMetrics = 100
)

// UpdateRecipe evaluates a recipe against its definition: it moves jobs between BLOCKED and PENDING, creates the
// nodes that are now possible, starts input processing for nodes whose parents are done and marks the recipe
// completed. Incomplete sub-recipes are updated in turn.
type UpdateRecipe struct {
	base
	RootRecipeID int64             `json:"root_recipe_id"`
	ForcedNodes  *diff.ForcedNodes `json:"forced_nodes,omitempty"`
}

func CreateUpdateRecipeMessage(recipeID int64, forced *diff.ForcedNodes) messaging.CommandMessage {
	return &UpdateRecipe{RootRecipeID: recipeID, ForcedNodes: forced}
}

func (m *UpdateRecipe) Type() string { return UpdateRecipeType }

func (m *UpdateRecipe) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		recipes, err := store.GetLocked[store.Recipe](ctx, tx, []int64{m.RootRecipeID})
		if err != nil {
			return err
		}
		if len(recipes) == 0 {
			log.Errorf("recipe %d does not exist, message will not re-run", m.RootRecipeID)
			return nil
		}
		recipe := recipes[0]
		inst, err := loadRecipeInstance(ctx, tx, recipe)
		if err != nil {
			return err
		}
		when := m.now()

		if !recipe.IsCompleted && inst.HasCompleted() {
			recipe.IsCompleted = true
			recipe.Completed = &when
			recipe.LastModified = when
			if err := store.Save(ctx, tx, recipe); err != nil {
				return err
			}
			log.Infof("recipe %d has completed", recipe.ID)
			out.add(CreateUpdateRecipeMetricsMessages([]int64{recipe.ID})...)
		}

		blocked, pending := inst.GetJobsToUpdate()
		if len(blocked) > 0 {
			log.Infof("found %d job(s) that should transition to BLOCKED", len(blocked))
			out.add(CreateBlockedJobsMessages(blocked, when)...)
		}
		if len(pending) > 0 {
			log.Infof("found %d job(s) that should transition to PENDING", len(pending))
			out.add(CreatePendingJobsMessages(pending, when)...)
		}

		toProcess := inst.GetNodesToProcessInput()
		processInput := make(map[string]bool, len(toProcess))
		for _, n := range toProcess {
			processInput[n.Name] = true
		}

		var conditions []RecipeConditionNode
		var recipeJobs []RecipeJob
		var subRecipes []SubRecipe
		for _, node := range inst.GetNodesToCreate() {
			ready := processInput[node.Name]
			switch node.Type {
			case definition.ConditionNodeType:
				conditions = append(conditions, RecipeConditionNode{NodeName: node.Name, ProcessInput: ready})
			case definition.JobNodeType:
				recipeJobs = append(recipeJobs, RecipeJob{
					JobTypeName:    node.JobTypeName,
					JobTypeVersion: node.JobTypeVersion,
					JobTypeRevNum:  node.RevisionNum,
					NodeName:       node.Name,
					ProcessInput:   ready,
				})
			case definition.RecipeNodeType:
				subRecipes = append(subRecipes, SubRecipe{
					RecipeTypeName: node.RecipeTypeName,
					RevisionNum:    node.RevisionNum,
					NodeName:       node.Name,
					ProcessInput:   ready,
				})
			}
		}
		if len(conditions) > 0 {
			log.Infof("found %d condition(s) to create for recipe %d", len(conditions), recipe.ID)
			out.add(CreateConditionsMessages(recipe, conditions)...)
		}
		if len(recipeJobs) > 0 {
			log.Infof("found %d job(s) to create for recipe %d", len(recipeJobs), recipe.ID)
			out.add(CreateJobsMessagesForRecipe(recipe, recipeJobs)...)
		}
		if len(subRecipes) > 0 {
			log.Infof("found %d sub-recipe(s) to create for recipe %d", len(subRecipes), recipe.ID)
			out.add(CreateSubRecipesMessages(recipe, subRecipes, m.ForcedNodes)...)
		}

		var conditionIDs, jobIDs, subRecipeIDs []int64
		for _, n := range toProcess {
			switch {
			case !n.IsReal():
			case n.Condition != nil:
				conditionIDs = append(conditionIDs, n.Condition.ID)
			case n.Job != nil:
				jobIDs = append(jobIDs, n.Job.ID)
			case n.SubRecipe != nil:
				subRecipeIDs = append(subRecipeIDs, n.SubRecipe.ID)
			}
		}
		out.add(CreateProcessConditionMessages(conditionIDs)...)
		out.add(CreateProcessJobInputMessages(jobIDs)...)
		for _, id := range subRecipeIDs {
			out.add(CreateProcessRecipeInputMessage(id, nil))
		}

		for _, name := range inst.NodeNames() {
			n, _ := inst.GetNode(name)
			if n.IsReal() && n.SubRecipe != nil && !n.SubRecipe.IsCompleted && !processInput[name] {
				out.add(CreateUpdateRecipeMessage(n.SubRecipe.ID, forcedForSubRecipe(m.ForcedNodes, name)))
			}
		}
		return nil
	})
}

func forcedForSubRecipe(forced *diff.ForcedNodes, nodeName string) *diff.ForcedNodes {
	if forced == nil {
		return nil
	}
	return forced.GetForcedNodesForSubRecipe(nodeName)
}

// UpdateRecipes sends an UpdateRecipe for each of a set of recipes.
type UpdateRecipes struct {
	base
	RootRecipeIDs []int64 `json:"root_recipe_ids"`
}

func CreateUpdateRecipesMessages(recipeIDs []int64) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(recipeIDs, MaxUpdateRecipes) {
		msgs = append(msgs, &UpdateRecipes{RootRecipeIDs: ids})
	}
	return msgs
}

func (m *UpdateRecipes) Type() string { return UpdateRecipesType }

func (m *UpdateRecipes) Execute(_ context.Context) ([]messaging.CommandMessage, error) {
	msgs := make([]messaging.CommandMessage, 0, len(m.RootRecipeIDs))
	for _, id := range uniqueSorted(m.RootRecipeIDs) {
		msgs = append(msgs, CreateUpdateRecipeMessage(id, nil))
	}
	return msgs, nil
}

// UpdateRecipeMetrics recounts the jobs and sub-recipes of recipes, including everything within their
// sub-recipes, then does the same for the recipes containing them and for their batches.
type UpdateRecipeMetrics struct {
	base
	RecipeIDs []int64 `json:"recipe_ids"`
}

func CreateUpdateRecipeMetricsMessages(recipeIDs []int64) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(uniqueSorted(recipeIDs), MaxUpdateRecipeMetrics) {
		msgs = append(msgs, &UpdateRecipeMetrics{RecipeIDs: ids})
	}
	return msgs
}

func (m *UpdateRecipeMetrics) Type() string { return UpdateRecipeMetricsType }

func (m *UpdateRecipeMetrics) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		recipes, err := store.GetLocked[store.Recipe](ctx, tx, m.RecipeIDs)
		if err != nil {
			return err
		}
		when := m.now()
		for _, recipe := range recipes {
			if err := recountRecipe(ctx, tx, recipe, when); err != nil {
				return err
			}
		}
		if err := store.Save(ctx, tx, recipes...); err != nil {
			return err
		}

		var parentIDs, rootIDs, batchIDs []int64
		for _, recipe := range recipes {
			if recipe.RecipeID != 0 {
				parentIDs = append(parentIDs, recipe.RecipeID)
				rootIDs = append(rootIDs, recipe.RootID())
			} else if recipe.BatchID != 0 {
				batchIDs = append(batchIDs, recipe.BatchID)
			}
		}
		out.add(CreateUpdateRecipeMetricsMessages(parentIDs)...)
		for _, id := range uniqueSorted(rootIDs) {
			out.add(CreateUpdateRecipeMessage(id, nil))
		}
		out.add(CreateUpdateBatchMetricsMessages(uniqueSorted(batchIDs))...)
		return nil
	})
}

func recountRecipe(ctx context.Context, tx store.Tx, recipe *store.Recipe, when time.Time) error {
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{recipe.ID})
	if err != nil {
		return err
	}
	var jobIDs, subRecipeIDs []int64
	for _, n := range nodes {
		if n.JobID != 0 {
			jobIDs = append(jobIDs, n.JobID)
		}
		if n.SubRecipeID != 0 {
			subRecipeIDs = append(subRecipeIDs, n.SubRecipeID)
		}
	}
	jobs, err := store.GetMany[store.Job](ctx, tx, jobIDs)
	if err != nil {
		return err
	}
	subRecipes, err := store.GetMany[store.Recipe](ctx, tx, subRecipeIDs)
	if err != nil {
		return err
	}

	c := jobCounts{}
	for _, job := range jobs {
		c.add(job.Status)
	}
	recipe.SubRecipesTotal, recipe.SubRecipesCompleted = 0, 0
	for _, sub := range subRecipes {
		c.merge(sub)
		recipe.SubRecipesTotal += 1 + sub.SubRecipesTotal
		recipe.SubRecipesCompleted += sub.SubRecipesCompleted
		if sub.IsCompleted {
			recipe.SubRecipesCompleted++
		}
	}
	c.applyToRecipe(recipe)
	recipe.LastModified = when
	return nil
}

type jobCounts struct {
	total, pending, blocked, queued, running, failed, completed, canceled int
}

func (c *jobCounts) add(status string) {
	c.total++
	switch status {
	case store.JobStatusPending:
		c.pending++
	case store.JobStatusBlocked:
		c.blocked++
	case store.JobStatusQueued:
		c.queued++
	case store.JobStatusRunning:
		c.running++
	case store.JobStatusFailed:
		c.failed++
	case store.JobStatusCompleted:
		c.completed++
	case store.JobStatusCanceled:
		c.canceled++
	}
}

func (c *jobCounts) merge(r *store.Recipe) {
	c.total += r.JobsTotal
	c.pending += r.JobsPending
	c.blocked += r.JobsBlocked
	c.queued += r.JobsQueued
	c.running += r.JobsRunning
	c.failed += r.JobsFailed
	c.completed += r.JobsCompleted
	c.canceled += r.JobsCanceled
}

func (c *jobCounts) applyToRecipe(r *store.Recipe) {
	r.JobsTotal, r.JobsPending, r.JobsBlocked, r.JobsQueued = c.total, c.pending, c.blocked, c.queued
	r.JobsRunning, r.JobsFailed, r.JobsCompleted, r.JobsCanceled = c.running, c.failed, c.completed, c.canceled
}

// loadRecipeInstance builds the instance of a recipe from its stored nodes.
func loadRecipeInstance(ctx context.Context, tx store.Tx, recipe *store.Recipe) (*instance.RecipeInstance, error) {
	def, err := store.GetDefinitionForRecipe(ctx, tx, recipe)
	if err != nil {
		return nil, err
	}
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{recipe.ID})
	if err != nil {
		return nil, err
	}
	var jobIDs, subRecipeIDs, conditionIDs []int64
	for _, n := range nodes {
		switch {
		case n.JobID != 0:
			jobIDs = append(jobIDs, n.JobID)
		case n.SubRecipeID != 0:
			subRecipeIDs = append(subRecipeIDs, n.SubRecipeID)
		case n.ConditionID != 0:
			conditionIDs = append(conditionIDs, n.ConditionID)
		}
	}
	jobs, err := store.GetMany[store.Job](ctx, tx, jobIDs)
	if err != nil {
		return nil, err
	}
	subRecipes, err := store.GetMany[store.Recipe](ctx, tx, subRecipeIDs)
	if err != nil {
		return nil, err
	}
	conditions, err := store.GetMany[store.RecipeCondition](ctx, tx, conditionIDs)
	if err != nil {
		return nil, err
	}
	jobByID := jobsByID(jobs)
	subByID := make(map[int64]*store.Recipe, len(subRecipes))
	for _, r := range subRecipes {
		subByID[r.ID] = r
	}
	condByID := make(map[int64]*store.RecipeCondition, len(conditions))
	for _, c := range conditions {
		condByID[c.ID] = c
	}

	states := make([]instance.NodeState, 0, len(nodes))
	for _, n := range nodes {
		state := instance.NodeState{NodeName: n.NodeName, IsOriginal: n.IsOriginal}
		if job, ok := jobByID[n.JobID]; ok {
			state.Job = &instance.JobState{ID: job.ID, Status: job.Status, HasInput: job.HasInput(), HasOutput: job.HasOutput()}
		} else if sub, ok := subByID[n.SubRecipeID]; ok {
			state.SubRecipe = &instance.RecipeState{
				ID:           sub.ID,
				HasInput:     sub.HasInput(),
				IsCompleted:  sub.IsCompleted,
				JobsBlocked:  sub.JobsBlocked,
				JobsCanceled: sub.JobsCanceled,
				JobsFailed:   sub.JobsFailed,
			}
		} else if cond, ok := condByID[n.ConditionID]; ok {
			state.Condition = &instance.ConditionState{ID: cond.ID, IsProcessed: cond.IsProcessed, IsAccepted: cond.IsAccepted}
		} else {
			continue
		}
		states = append(states, state)
	}
	return instance.NewRecipeInstance(def, recipe.HasInput(), states), nil
}

// recipeNodeOutputs returns the output of each node of a recipe that has one. Jobs give their output, conditions
// pass on the data they were given and sub-recipes have no output.
func recipeNodeOutputs(ctx context.Context, tx store.Tx, recipeID int64) (map[string]*data.Data, error) {
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{recipeID})
	if err != nil {
		return nil, err
	}
	var jobIDs, conditionIDs []int64
	for _, n := range nodes {
		if n.JobID != 0 {
			jobIDs = append(jobIDs, n.JobID)
		}
		if n.ConditionID != 0 {
			conditionIDs = append(conditionIDs, n.ConditionID)
		}
	}
	jobs, err := store.GetMany[store.Job](ctx, tx, jobIDs)
	if err != nil {
		return nil, err
	}
	conditions, err := store.GetMany[store.RecipeCondition](ctx, tx, conditionIDs)
	if err != nil {
		return nil, err
	}
	jobByID := jobsByID(jobs)
	condByID := make(map[int64]*store.RecipeCondition, len(conditions))
	for _, c := range conditions {
		condByID[c.ID] = c
	}

	outputs := make(map[string]*data.Data, len(nodes))
	for _, n := range nodes {
		var output *data.Data
		switch {
		case n.JobID != 0:
			if job, ok := jobByID[n.JobID]; ok {
				output = job.Output
			}
		case n.ConditionID != 0:
			if cond, ok := condByID[n.ConditionID]; ok {
				output = cond.Data
			}
		case n.SubRecipeID != 0:
		default:
			continue
		}
		if output == nil {
			output = data.NewData()
		}
		outputs[n.NodeName] = output
	}
	return outputs, nil
}

// nodeNameFor returns the name of the recipe node matching pick, or "" if there is none.
func nodeNameFor(ctx context.Context, tx store.Tx, recipeID int64, pick func(*store.RecipeNode) bool) (string, error) {
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{recipeID})
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if pick(n) {
			return n.NodeName, nil
		}
	}
	return "", nil
}
