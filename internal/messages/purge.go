package messages

import (
	"context"
	"time"

	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	MaxPurgeJobs  = 100
	MaxDeleteJobs = 100
)

// PurgeJobs hard deletes jobs and everything recorded about them, then continues purging the recipes that
// contained them.
type PurgeJobs struct {
	base
	JobIDs       []int64 `json:"job_ids"`
	TriggerID    int64   `json:"trigger_id"`
	SourceFileID int64   `json:"source_file_id"`
}

func CreatePurgeJobsMessages(jobIDs []int64, triggerID, sourceFileID int64) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(jobIDs, MaxPurgeJobs) {
		msgs = append(msgs, &PurgeJobs{JobIDs: ids, TriggerID: triggerID, SourceFileID: sourceFileID})
	}
	return msgs
}

func (m *PurgeJobs) Type() string { return PurgeJobsType }

func (m *PurgeJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		results, stopped, err := purgeState(ctx, tx, m.TriggerID)
		if err != nil || stopped {
			return err
		}
		jobs, err := store.GetLockedJobs(ctx, tx, m.JobIDs)
		if err != nil || len(jobs) == 0 {
			return err
		}
		jobIDs := store.IDs(jobs)
		nodes, err := store.RecipeNodesForJobs(ctx, tx, jobIDs)
		if err != nil {
			return err
		}
		var recipeIDs []int64
		for _, n := range nodes {
			if n.IsOriginal {
				recipeIDs = append(recipeIDs, n.RecipeID)
			}
		}
		if err := deleteJobRecords(ctx, tx, jobIDs); err != nil {
			return err
		}
		if results != nil {
			results.NumJobsDeleted += len(jobs)
			if err := store.Save(ctx, tx, results); err != nil {
				return err
			}
		}
		log.Infof("purged %d job(s) for trigger %d", len(jobs), m.TriggerID)
		out.add(CreatePurgeRecipeMessages(uniqueSorted(recipeIDs), m.TriggerID, m.SourceFileID)...)
		return nil
	})
}

// DeleteJobs deletes standalone jobs that have finished. Jobs in a recipe and jobs that have not finished are
// left alone.
type DeleteJobs struct {
	base
	JobIDs []int64 `json:"job_ids"`
}

func CreateDeleteJobsMessages(jobIDs []int64) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(jobIDs, MaxDeleteJobs) {
		msgs = append(msgs, &DeleteJobs{JobIDs: ids})
	}
	return msgs
}

func (m *DeleteJobs) Type() string { return DeleteJobsType }

func (m *DeleteJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, _ *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, m.JobIDs)
		if err != nil {
			return err
		}
		nodes, err := store.RecipeNodesForJobs(ctx, tx, store.IDs(jobs))
		if err != nil {
			return err
		}
		inRecipe := map[int64]bool{}
		for _, n := range nodes {
			inRecipe[n.JobID] = true
		}
		deletable := filterJobs(jobs, func(j *store.Job) bool {
			return j.RecipeID == 0 && !inRecipe[j.ID] && store.IsFinalJobStatus(j.Status)
		})
		if err := deleteJobRecords(ctx, tx, store.IDs(deletable)); err != nil {
			return err
		}
		if skipped := len(jobs) - len(deletable); skipped > 0 {
			log.Warnf("%d job(s) are in a recipe or have not finished and were not deleted", skipped)
		}
		log.Infof("deleted %d job(s)", len(deletable))
		return nil
	})
}

// deleteJobRecords removes jobs along with every record that refers to them, children before parents.
func deleteJobRecords(ctx context.Context, tx store.Tx, jobIDs []int64) error {
	if len(jobIDs) == 0 {
		return nil
	}
	isJob := func(id int64) bool { return id != 0 && slices.Contains(jobIDs, id) }
	if err := store.DeleteWhere(ctx, tx, func(l *store.FileAncestryLink) bool { return isJob(l.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(u *store.TaskUpdate) bool { return isJob(u.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(o *store.JobExecutionOutput) bool { return isJob(o.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(e *store.JobExecutionEnd) bool { return isJob(e.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(e *store.JobExecution) bool { return isJob(e.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(b *store.BatchJob) bool { return isJob(b.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(n *store.RecipeNode) bool { return isJob(n.JobID) }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(f *store.JobInputFile) bool { return isJob(f.JobID) }); err != nil {
		return err
	}
	if err := store.Delete[store.Queue](ctx, tx, jobIDs); err != nil {
		return err
	}
	return store.Delete[store.Job](ctx, tx, jobIDs)
}

// purgeState returns the results of the purge started by triggerID and whether it has been stopped.
func purgeState(ctx context.Context, tx store.Tx, triggerID int64) (*store.PurgeResults, bool, error) {
	results, err := store.GetPurgeResults(ctx, tx, triggerID)
	if err != nil {
		return nil, false, err
	}
	if results != nil && results.ForceStopPurge {
		logging.FromContext(ctx).Infof("purge for trigger %d has been stopped", triggerID)
		return results, true, nil
	}
	return results, false, nil
}

// PurgeRecipe deletes a recipe from its leaves upwards. Each run handles the current leaves: jobs have their
// products deleted and are then purged, sub-recipes are purged and conditions are deleted at once. Once the
// recipe has no original nodes left it is deleted, and the purge moves on to the recipe containing it and to
// the recipe it superseded.
type PurgeRecipe struct {
	base
	RecipeID     int64 `json:"recipe_id"`
	TriggerID    int64 `json:"trigger_id"`
	SourceFileID int64 `json:"source_file_id"`
}

func CreatePurgeRecipeMessage(recipeID, triggerID, sourceFileID int64) messaging.CommandMessage {
	return &PurgeRecipe{RecipeID: recipeID, TriggerID: triggerID, SourceFileID: sourceFileID}
}

func CreatePurgeRecipeMessages(recipeIDs []int64, triggerID, sourceFileID int64) []messaging.CommandMessage {
	msgs := make([]messaging.CommandMessage, len(recipeIDs))
	for i, id := range recipeIDs {
		msgs[i] = CreatePurgeRecipeMessage(id, triggerID, sourceFileID)
	}
	return msgs
}

func (m *PurgeRecipe) Type() string { return PurgeRecipeType }

func (m *PurgeRecipe) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		results, stopped, err := purgeState(ctx, tx, m.TriggerID)
		if err != nil || stopped {
			return err
		}
		recipes, err := store.GetLocked[store.Recipe](ctx, tx, []int64{m.RecipeID})
		if err != nil || len(recipes) == 0 {
			return err
		}
		recipe := recipes[0]
		inst, err := loadRecipeInstance(ctx, tx, recipe)
		if err != nil {
			return err
		}

		if leaves := inst.GetOriginalLeafNodes(); len(leaves) > 0 {
			var conditionIDs []int64
			for _, leaf := range leaves {
				switch {
				case leaf.Job != nil:
					out.add(CreateSpawnDeleteFilesJobMessage(leaf.Job.ID, m.TriggerID, m.SourceFileID, true))
				case leaf.SubRecipe != nil:
					out.add(CreatePurgeRecipeMessage(leaf.SubRecipe.ID, m.TriggerID, m.SourceFileID))
				case leaf.Condition != nil:
					conditionIDs = append(conditionIDs, leaf.Condition.ID)
				}
			}
			if len(conditionIDs) > 0 {
				if err := deleteConditions(ctx, tx, conditionIDs); err != nil {
					return err
				}
				if len(out.msgs) == 0 {
					out.add(CreatePurgeRecipeMessage(recipe.ID, m.TriggerID, m.SourceFileID))
				}
			}
			log.Infof("purging %d leaf node(s) of recipe %d", len(leaves), recipe.ID)
			return nil
		}

		parents, err := store.RecipeNodesForSubRecipes(ctx, tx, []int64{recipe.ID})
		if err != nil {
			return err
		}
		if err := deleteRecipeRecords(ctx, tx, recipe.ID); err != nil {
			return err
		}
		if results != nil {
			results.NumRecipesDeleted++
			if recipe.RecipeID == 0 && recipe.SupersededRecipeID == 0 {
				when := m.now()
				results.PurgeCompleted = &when
			}
			if err := store.Save(ctx, tx, results); err != nil {
				return err
			}
		}
		log.Infof("purged recipe %d", recipe.ID)
		for _, p := range parents {
			if p.IsOriginal {
				out.add(CreatePurgeRecipeMessage(p.RecipeID, m.TriggerID, m.SourceFileID))
			}
		}
		if recipe.SupersededRecipeID != 0 {
			out.add(CreatePurgeRecipeMessage(recipe.SupersededRecipeID, m.TriggerID, m.SourceFileID))
		}
		return nil
	})
}

func deleteConditions(ctx context.Context, tx store.Tx, conditionIDs []int64) error {
	if err := store.DeleteWhere(ctx, tx, func(n *store.RecipeNode) bool {
		return n.ConditionID != 0 && slices.Contains(conditionIDs, n.ConditionID)
	}); err != nil {
		return err
	}
	return store.Delete[store.RecipeCondition](ctx, tx, conditionIDs)
}

// deleteRecipeRecords removes a recipe, its remaining nodes, the nodes pointing at it and its satellite records.
func deleteRecipeRecords(ctx context.Context, tx store.Tx, recipeID int64) error {
	if err := store.DeleteWhere(ctx, tx, func(n *store.RecipeNode) bool {
		return n.RecipeID == recipeID || n.SubRecipeID == recipeID
	}); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(c *store.RecipeCondition) bool { return c.RecipeID == recipeID }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(b *store.BatchRecipe) bool { return b.RecipeID == recipeID }); err != nil {
		return err
	}
	if err := store.DeleteWhere(ctx, tx, func(f *store.RecipeInputFile) bool { return f.RecipeID == recipeID }); err != nil {
		return err
	}
	return store.Delete[store.Recipe](ctx, tx, []int64{recipeID})
}

// StartPurge records a purge of everything derived from a source file and returns the messages that carry it
// out: the jobs and recipes that took the file as input are purged, along with everything downstream of them.
// Starting the same purge again returns the same messages.
func StartPurge(ctx context.Context, st store.Store, sourceFileID, triggerID int64, when time.Time) ([]messaging.CommandMessage, error) {
	var msgs []messaging.CommandMessage
	err := st.Update(ctx, func(tx store.Tx) error {
		msgs = nil
		results, err := store.GetPurgeResults(ctx, tx, triggerID)
		if err != nil {
			return err
		}
		if results == nil {
			results = &store.PurgeResults{SourceFileID: sourceFileID, TriggerEventID: triggerID, PurgeStarted: when}
			if err := store.Insert(ctx, tx, results); err != nil {
				return err
			}
		}
		jobInputs, err := store.List(ctx, tx, func(f *store.JobInputFile) bool { return f.InputFileID == sourceFileID })
		if err != nil {
			return err
		}
		recipeInputs, err := store.List(ctx, tx, func(f *store.RecipeInputFile) bool { return f.InputFileID == sourceFileID })
		if err != nil {
			return err
		}
		var jobIDs, recipeIDs []int64
		for _, f := range jobInputs {
			jobIDs = append(jobIDs, f.JobID)
		}
		for _, f := range recipeInputs {
			recipeIDs = append(recipeIDs, f.RecipeID)
		}
		jobs, err := store.GetMany[store.Job](ctx, tx, uniqueSorted(jobIDs))
		if err != nil {
			return err
		}
		for _, job := range jobs {
			// Recipe jobs are reached through their recipe.
			if job.RecipeID == 0 {
				msgs = append(msgs, CreateSpawnDeleteFilesJobMessage(job.ID, triggerID, sourceFileID, true))
			} else {
				recipeIDs = append(recipeIDs, job.RecipeID)
			}
		}
		msgs = append(msgs, CreatePurgeRecipeMessages(uniqueSorted(recipeIDs), triggerID, sourceFileID)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// StopPurge stops the purge started by triggerID. Purge messages already sent do nothing once they run.
func StopPurge(ctx context.Context, st store.Store, triggerID int64) error {
	return st.Update(ctx, func(tx store.Tx) error {
		results, err := store.GetPurgeResults(ctx, tx, triggerID)
		if err != nil || results == nil {
			return err
		}
		results.ForceStopPurge = true
		return store.Save(ctx, tx, results)
	})
}
