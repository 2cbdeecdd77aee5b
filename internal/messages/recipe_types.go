package messages

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

// UpdateRecipeDefinition moves a recipe type onto the latest revision of one of its job types or sub-recipe
// types, or activates/deactivates it. A definition that still validates becomes a new revision of the recipe
// type and the recipe types running it are updated in turn. Activation spreads to parents the same way.
type UpdateRecipeDefinition struct {
	base
	RecipeTypeID    int64 `json:"recipe_type_id"`
	IsActive        *bool `json:"is_active"`
	SubRecipeTypeID int64 `json:"sub_recipe_type_id,omitempty"`
	JobTypeID       int64 `json:"job_type_id,omitempty"`
}

// CreateJobUpdateRecipeDefinitionMessage updates the recipe type to the latest revision of the job type.
func CreateJobUpdateRecipeDefinitionMessage(recipeTypeID, jobTypeID int64) messaging.CommandMessage {
	return &UpdateRecipeDefinition{RecipeTypeID: recipeTypeID, JobTypeID: jobTypeID}
}

// CreateSubUpdateRecipeDefinitionMessage updates the recipe type to the latest revision of the sub-recipe type.
func CreateSubUpdateRecipeDefinitionMessage(recipeTypeID, subRecipeTypeID int64) messaging.CommandMessage {
	return &UpdateRecipeDefinition{RecipeTypeID: recipeTypeID, SubRecipeTypeID: subRecipeTypeID}
}

func CreateActivateRecipeTypeMessage(recipeTypeID int64, isActive bool) messaging.CommandMessage {
	return &UpdateRecipeDefinition{RecipeTypeID: recipeTypeID, IsActive: &isActive}
}

func (m *UpdateRecipeDefinition) Type() string { return UpdateRecipeDefinitionType }

func (m *UpdateRecipeDefinition) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		recipeTypes, err := store.GetLocked[store.RecipeType](ctx, tx, []int64{m.RecipeTypeID})
		if err != nil {
			return err
		}
		if len(recipeTypes) == 0 {
			log.Errorf("recipe type %d does not exist, message will not re-run", m.RecipeTypeID)
			return nil
		}
		recipeType := recipeTypes[0]

		if m.IsActive != nil {
			recipeType.IsActive = *m.IsActive
			recipeType.LastModified = m.now()
			if err := store.Save(ctx, tx, recipeType); err != nil {
				return err
			}
			parents, err := store.GetParentRecipeTypes(ctx, tx, recipeType.Name)
			if err != nil {
				return err
			}
			for _, parent := range parents {
				out.add(CreateActivateRecipeTypeMessage(parent.ID, *m.IsActive))
			}
		}

		def, err := store.GetRecipeDefinition(ctx, tx, recipeType.ID, recipeType.RevisionNum)
		if err != nil {
			return err
		}
		updated := false
		if m.SubRecipeTypeID != 0 {
			sub, err := store.Get[store.RecipeType](ctx, tx, m.SubRecipeTypeID)
			if err != nil {
				return err
			}
			if sub == nil {
				log.Errorf("sub-recipe type %d does not exist", m.SubRecipeTypeID)
				return nil
			}
			updated = def.UpdateRecipeNodes(sub.Name, sub.RevisionNum) || updated
		}
		if m.JobTypeID != 0 {
			jobType, err := store.Get[store.JobType](ctx, tx, m.JobTypeID)
			if err != nil {
				return err
			}
			if jobType == nil {
				log.Errorf("job type %d does not exist", m.JobTypeID)
				return nil
			}
			updated = def.UpdateJobNodes(jobType.Name, jobType.Version, jobType.RevisionNum) || updated
		}
		if !updated {
			return nil
		}

		warnings, err := store.ValidateDefinition(ctx, tx, def)
		var invalid *batchflowerrors.ValidationError
		if errors.As(err, &invalid) {
			log.Infof("recipe type %s is not updated automatically, the new definition is invalid: %s", recipeType.Name, err)
			return nil
		} else if err != nil {
			return err
		}
		if len(warnings) > 0 {
			log.Infof("warnings validating the updated definition of recipe type %s: %v", recipeType.Name, warnings)
		}

		b, err := json.Marshal(def)
		if err != nil {
			return errors.WithStack(err)
		}
		recipeType.RevisionNum++
		recipeType.LastModified = m.now()
		if err := store.Save(ctx, tx, recipeType); err != nil {
			return err
		}
		revision := &store.RecipeTypeRevision{
			RecipeTypeID: recipeType.ID,
			RevisionNum:  recipeType.RevisionNum,
			Definition:   b,
			Created:      m.now(),
		}
		if err := store.Insert(ctx, tx, revision); err != nil {
			return err
		}
		log.Infof("recipe type %s moved to revision %d", recipeType.Name, recipeType.RevisionNum)

		parents, err := store.GetParentRecipeTypes(ctx, tx, recipeType.Name)
		if err != nil {
			return err
		}
		for _, parent := range parents {
			if parent.ID != m.SubRecipeTypeID {
				out.add(CreateSubUpdateRecipeDefinitionMessage(parent.ID, recipeType.ID))
			}
		}
		return nil
	})
}
