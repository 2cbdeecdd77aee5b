package messages

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	MaxBatchRecipes       = 1000
	MaxUpdateBatchMetrics = 100
)

// CreateBatchRecipes creates the recipes of a batch a page at a time. A batch with a previous batch reprocesses
// that batch's top level recipes, newest first; a batch over a dataset creates a new recipe per dataset member.
// Each run sends itself again with its position until every page has been handled, then marks the batch's
// recipe creation done.
type CreateBatchRecipes struct {
	base
	BatchID         int64 `json:"batch_id"`
	IsPrevBatchDone bool  `json:"is_prev_batch_done"`
	CurrentRecipeID int64 `json:"current_recipe_id,omitempty"`
	CurrentMemberID int64 `json:"current_member_id,omitempty"`
}

func CreateBatchRecipesMessage(batchID int64) messaging.CommandMessage {
	return &CreateBatchRecipes{BatchID: batchID}
}

func (m *CreateBatchRecipes) Type() string { return CreateBatchRecipesType }

func (m *CreateBatchRecipes) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		batches, err := store.GetLocked[store.Batch](ctx, tx, []int64{m.BatchID})
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			log.Errorf("batch %d does not exist, message will not re-run", m.BatchID)
			return nil
		}
		batch := batches[0]
		if batch.IsCreationDone {
			return nil
		}
		recipeType, err := store.Get[store.RecipeType](ctx, tx, batch.RecipeTypeID)
		if err != nil {
			return err
		}
		if recipeType == nil {
			log.Errorf("recipe type %d of batch %d does not exist, message will not re-run", batch.RecipeTypeID, batch.ID)
			return nil
		}

		next := &CreateBatchRecipes{
			BatchID:         m.BatchID,
			IsPrevBatchDone: m.IsPrevBatchDone,
			CurrentRecipeID: m.CurrentRecipeID,
			CurrentMemberID: m.CurrentMemberID,
		}
		if !next.IsPrevBatchDone {
			var count int
			switch {
			case previousBatchID(batch) != 0:
				count, err = next.reprocessPage(ctx, tx, batch, recipeType, out)
			case batch.Definition.DatasetID != 0:
				count, err = next.datasetPage(ctx, tx, batch, recipeType, out)
			}
			if err != nil {
				return err
			}
			if count < MaxBatchRecipes {
				next.IsPrevBatchDone = true
			}
		}
		if next.IsPrevBatchDone {
			log.Infof("all recipes of batch %d have been requested, marking recipe creation done", batch.ID)
			batch.IsCreationDone = true
		} else {
			out.add(next)
		}
		batch.LastModified = m.now()
		return store.Save(ctx, tx, batch)
	})
}

func previousBatchID(batch *store.Batch) int64 {
	if batch.Definition.PreviousBatchID != 0 {
		return batch.Definition.PreviousBatchID
	}
	return batch.SupersededBatchID
}

// reprocessPage requests the reprocessing of the next page of the previous batch's top level recipes.
func (m *CreateBatchRecipes) reprocessPage(ctx context.Context, tx store.Tx, batch *store.Batch, recipeType *store.RecipeType, out *outbox) (int, error) {
	previous := previousBatchID(batch)
	recipes, err := store.List(ctx, tx, func(r *store.Recipe) bool { return r.BatchID == previous && r.RecipeID == 0 })
	if err != nil {
		return 0, err
	}
	ids := store.IDs(recipes)
	if m.CurrentRecipeID == 0 {
		batch.RecipesEstimated = len(ids)
	}
	page := nextPage(ids, m.CurrentRecipeID)
	if len(page) == 0 {
		return 0, nil
	}
	m.CurrentRecipeID = page[len(page)-1]
	logging.FromContext(ctx).Infof("found %d recipe(s) of batch %d to reprocess for batch %d", len(page), previous, batch.ID)
	out.add(CreateReprocessRecipesMessages(page, recipeType.Name, batch.RecipeTypeRevisionNum, batch.EventID, batch.ID, batch.Definition.ForcedNodes)...)
	return len(page), nil
}

// datasetPage requests a new recipe for each member in the next page of the batch's dataset.
func (m *CreateBatchRecipes) datasetPage(ctx context.Context, tx store.Tx, batch *store.Batch, recipeType *store.RecipeType, out *outbox) (int, error) {
	members, err := store.List(ctx, tx, func(dm *store.DatasetMember) bool { return dm.DatasetID == batch.Definition.DatasetID })
	if err != nil {
		return 0, err
	}
	if m.CurrentMemberID == 0 {
		batch.RecipesEstimated = len(members)
	}
	page := nextPage(store.IDs(members), m.CurrentMemberID)
	if len(page) == 0 {
		return 0, nil
	}
	m.CurrentMemberID = page[len(page)-1]
	byID := make(map[int64]*store.DatasetMember, len(members))
	for _, dm := range members {
		byID[dm.ID] = dm
	}
	for _, id := range page {
		out.add(CreateNewRecipeMessage(recipeType.Name, batch.RecipeTypeRevisionNum, batch.EventID, batch.ID, byID[id].Data.Copy()))
	}
	logging.FromContext(ctx).Infof("requested %d new recipe(s) from dataset %d for batch %d", len(page), batch.Definition.DatasetID, batch.ID)
	return len(page), nil
}

// nextPage returns, newest first, at most MaxBatchRecipes of ids that are below current. A zero current starts
// from the newest id.
func nextPage(ids []int64, current int64) []int64 {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b int64) bool { return a > b })
	start := 0
	if current != 0 {
		start = len(sorted)
		for i, id := range sorted {
			if id < current {
				start = i
				break
			}
		}
	}
	end := start + MaxBatchRecipes
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[start:end]
}

// UpdateBatchMetrics recounts the jobs and recipes of batches.
type UpdateBatchMetrics struct {
	base
	BatchIDs []int64 `json:"batch_ids"`
}

func CreateUpdateBatchMetricsMessages(batchIDs []int64) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(batchIDs, MaxUpdateBatchMetrics) {
		msgs = append(msgs, &UpdateBatchMetrics{BatchIDs: ids})
	}
	return msgs
}

func (m *UpdateBatchMetrics) Type() string { return UpdateBatchMetricsType }

func (m *UpdateBatchMetrics) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, _ *outbox) error {
		batches, err := store.GetLocked[store.Batch](ctx, tx, m.BatchIDs)
		if err != nil {
			return err
		}
		ids := store.IDs(batches)
		batchJobs, err := store.List(ctx, tx, func(b *store.BatchJob) bool { return slices.Contains(ids, b.BatchID) })
		if err != nil {
			return err
		}
		batchRecipes, err := store.List(ctx, tx, func(b *store.BatchRecipe) bool { return slices.Contains(ids, b.BatchID) })
		if err != nil {
			return err
		}
		jobIDs := map[int64][]int64{}
		for _, bj := range batchJobs {
			jobIDs[bj.BatchID] = append(jobIDs[bj.BatchID], bj.JobID)
		}
		recipeIDs := map[int64][]int64{}
		for _, br := range batchRecipes {
			recipeIDs[br.BatchID] = append(recipeIDs[br.BatchID], br.RecipeID)
		}

		now := m.now()
		for _, batch := range batches {
			jobs, err := store.GetMany[store.Job](ctx, tx, jobIDs[batch.ID])
			if err != nil {
				return err
			}
			recipes, err := store.GetMany[store.Recipe](ctx, tx, recipeIDs[batch.ID])
			if err != nil {
				return err
			}
			c := jobCounts{}
			for _, job := range jobs {
				c.add(job.Status)
			}
			c.applyToBatch(batch)
			batch.RecipesTotal, batch.RecipesCompleted = len(recipes), 0
			for _, r := range recipes {
				if r.IsCompleted {
					batch.RecipesCompleted++
				}
			}
			batch.LastModified = now
		}
		logging.FromContext(ctx).Infof("updated metrics of %d batch(es)", len(batches))
		return store.Save(ctx, tx, batches...)
	})
}

func (c *jobCounts) applyToBatch(b *store.Batch) {
	b.JobsTotal, b.JobsPending, b.JobsBlocked, b.JobsQueued = c.total, c.pending, c.blocked, c.queued
	b.JobsRunning, b.JobsFailed, b.JobsCompleted, b.JobsCanceled = c.running, c.failed, c.completed, c.canceled
}
