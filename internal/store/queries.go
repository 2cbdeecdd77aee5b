package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/recipe/definition"
)

// GetLockedJobs locks and returns the jobs with the given ids.
func GetLockedJobs(ctx context.Context, tx Tx, ids []int64) ([]*Job, error) {
	return GetLocked[Job](ctx, tx, ids)
}

// UpdateJobStatus moves jobs to status as of when, maintaining the bookkeeping timestamps.
func UpdateJobStatus(jobs []*Job, status string, when time.Time) {
	for _, job := range jobs {
		job.Status = status
		job.LastStatusChange = when
		job.LastModified = when
		switch status {
		case JobStatusQueued:
			job.Queued = &when
			job.Started, job.Ended, job.NodeID, job.ErrorID = nil, nil, 0, 0
		case JobStatusRunning:
			job.Started = &when
		case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
			job.Ended = &when
		}
	}
}

// JobsForRecipes returns the jobs directly contained in the given recipes.
func JobsForRecipes(ctx context.Context, tx Tx, recipeIDs []int64) ([]*Job, error) {
	return List(ctx, tx, func(j *Job) bool { return slices.Contains(recipeIDs, j.RecipeID) })
}

// RecipeNodesForRecipes returns the nodes of the given recipes.
func RecipeNodesForRecipes(ctx context.Context, tx Tx, recipeIDs []int64) ([]*RecipeNode, error) {
	return List(ctx, tx, func(n *RecipeNode) bool { return slices.Contains(recipeIDs, n.RecipeID) })
}

// RecipeNodesForJobs returns the recipe nodes that point at the given jobs.
func RecipeNodesForJobs(ctx context.Context, tx Tx, jobIDs []int64) ([]*RecipeNode, error) {
	return List(ctx, tx, func(n *RecipeNode) bool { return n.JobID != 0 && slices.Contains(jobIDs, n.JobID) })
}

// RecipeNodesForSubRecipes returns the recipe nodes that point at the given sub-recipes.
func RecipeNodesForSubRecipes(ctx context.Context, tx Tx, recipeIDs []int64) ([]*RecipeNode, error) {
	return List(ctx, tx, func(n *RecipeNode) bool {
		return n.SubRecipeID != 0 && slices.Contains(recipeIDs, n.SubRecipeID)
	})
}

// GetJobTypeByName returns the job type with the given name and version, or nil.
func GetJobTypeByName(ctx context.Context, tx Tx, name, version string) (*JobType, error) {
	jobTypes, err := List(ctx, tx, func(t *JobType) bool { return t.Name == name && t.Version == version })
	if err != nil || len(jobTypes) == 0 {
		return nil, err
	}
	return jobTypes[0], nil
}

// GetRecipeTypeByName returns the recipe type with the given name, or nil.
func GetRecipeTypeByName(ctx context.Context, tx Tx, name string) (*RecipeType, error) {
	recipeTypes, err := List(ctx, tx, func(t *RecipeType) bool { return t.Name == name })
	if err != nil || len(recipeTypes) == 0 {
		return nil, err
	}
	return recipeTypes[0], nil
}

// GetRecipeTypeRevision returns one revision of a recipe type, or nil.
func GetRecipeTypeRevision(ctx context.Context, tx Tx, recipeTypeID int64, revisionNum int) (*RecipeTypeRevision, error) {
	revisions, err := List(ctx, tx, func(r *RecipeTypeRevision) bool {
		return r.RecipeTypeID == recipeTypeID && r.RevisionNum == revisionNum
	})
	if err != nil || len(revisions) == 0 {
		return nil, err
	}
	return revisions[0], nil
}

// GetRecipeDefinition parses the definition of a recipe type revision. Job types referenced by the legacy
// schema are resolved against the stored job types.
func GetRecipeDefinition(ctx context.Context, tx Tx, recipeTypeID int64, revisionNum int) (*definition.RecipeDefinition, error) {
	revision, err := GetRecipeTypeRevision(ctx, tx, recipeTypeID, revisionNum)
	if err != nil {
		return nil, err
	}
	if revision == nil {
		return nil, errors.WithStack(&batchflowerrors.ErrNotFound{
			Type:  "recipe type revision",
			Value: fmt.Sprintf("%d", revisionNum),
		})
	}
	jobTypes, err := List[JobType](ctx, tx, nil)
	if err != nil {
		return nil, err
	}
	return definition.Parse(revision.Definition, func(name, version string) (int, bool) {
		for _, jt := range jobTypes {
			if jt.Name == name && jt.Version == version {
				return jt.RevisionNum, true
			}
		}
		return 0, false
	})
}

// GetDefinitionForRecipe is GetRecipeDefinition for the revision a recipe was created with.
func GetDefinitionForRecipe(ctx context.Context, tx Tx, recipe *Recipe) (*definition.RecipeDefinition, error) {
	return GetRecipeDefinition(ctx, tx, recipe.RecipeTypeID, recipe.RecipeTypeRevisionNum)
}

// LatestJobOutputs returns, per job, the output of its most recent execution.
func LatestJobOutputs(ctx context.Context, tx Tx, jobIDs []int64) (map[int64]*JobExecutionOutput, error) {
	outputs, err := List(ctx, tx, func(o *JobExecutionOutput) bool { return slices.Contains(jobIDs, o.JobID) })
	if err != nil {
		return nil, err
	}
	latest := make(map[int64]*JobExecutionOutput, len(outputs))
	for _, o := range outputs {
		if current, ok := latest[o.JobID]; !ok || o.ExeNum > current.ExeNum {
			latest[o.JobID] = o
		}
	}
	return latest, nil
}

// GetJobExecution returns the execution of a job with the given number, or nil.
func GetJobExecution(ctx context.Context, tx Tx, jobID int64, exeNum int) (*JobExecution, error) {
	exes, err := List(ctx, tx, func(e *JobExecution) bool { return e.JobID == jobID && e.ExeNum == exeNum })
	if err != nil || len(exes) == 0 {
		return nil, err
	}
	return exes[0], nil
}

// GetScheduler returns the scheduler settings, creating the defaults on first use.
func GetScheduler(ctx context.Context, tx Tx) (*Scheduler, error) {
	s, err := Get[Scheduler](ctx, tx, SchedulerID)
	if err != nil || s != nil {
		return s, err
	}
	return &Scheduler{ID: SchedulerID, NumMessageHandlers: 1}, nil
}

// GetNodeByHostname returns the node registered under hostname, or nil.
func GetNodeByHostname(ctx context.Context, tx Tx, hostname string) (*Node, error) {
	nodes, err := List(ctx, tx, func(n *Node) bool { return n.Hostname == hostname })
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

// GetPurgeResults returns the results of the purge started by a trigger event, or nil.
func GetPurgeResults(ctx context.Context, tx Tx, triggerEventID int64) (*PurgeResults, error) {
	results, err := List(ctx, tx, func(p *PurgeResults) bool { return p.TriggerEventID == triggerEventID })
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return results[0], nil
}

// ValidateRecipeDefinition parses an encoded recipe definition and checks it against the job and recipe types
// it refers to.
func ValidateRecipeDefinition(ctx context.Context, tx Tx, b []byte) (*definition.RecipeDefinition, []batchflowerrors.Warning, error) {
	jobTypes, err := List[JobType](ctx, tx, nil)
	if err != nil {
		return nil, nil, err
	}
	findJobType := func(name, version string) *JobType {
		for _, jt := range jobTypes {
			if jt.Name == name && jt.Version == version {
				return jt
			}
		}
		return nil
	}
	def, err := definition.Parse(b, func(name, version string) (int, bool) {
		if jt := findJobType(name, version); jt != nil {
			return jt.RevisionNum, true
		}
		return 0, false
	})
	if err != nil {
		return nil, nil, err
	}

	warnings, err := ValidateDefinition(ctx, tx, def)
	if err != nil {
		return nil, nil, err
	}
	return def, warnings, nil
}

// ValidateDefinition checks a parsed definition against the interfaces of the job and recipe types its nodes
// refer to.
func ValidateDefinition(ctx context.Context, tx Tx, def *definition.RecipeDefinition) ([]batchflowerrors.Warning, error) {
	inputs := map[string]*data.Interface{}
	outputs := map[string]*data.Interface{}
	for _, name := range def.NodeNames() {
		n, _ := def.GetNode(name)
		switch n.Type {
		case definition.JobNodeType:
			jt, err := GetJobTypeByName(ctx, tx, n.JobTypeName, n.JobTypeVersion)
			if err != nil {
				return nil, err
			}
			if jt == nil {
				return nil, batchflowerrors.InvalidDefinition("UNKNOWN_JOB_TYPE",
					"Node '%s' has unknown job type %s %s", name, n.JobTypeName, n.JobTypeVersion)
			}
			inputs[name] = jt.GetInputInterface()
			outputs[name] = jt.GetOutputInterface()
		case definition.RecipeNodeType:
			rt, err := GetRecipeTypeByName(ctx, tx, n.RecipeTypeName)
			if err != nil {
				return nil, err
			}
			if rt == nil {
				return nil, batchflowerrors.InvalidDefinition("UNKNOWN_RECIPE_TYPE",
					"Node '%s' has unknown recipe type %s", name, n.RecipeTypeName)
			}
			revisionNum := n.RevisionNum
			if revisionNum == 0 {
				revisionNum = rt.RevisionNum
			}
			subDef, err := GetRecipeDefinition(ctx, tx, rt.ID, revisionNum)
			if err != nil {
				return nil, err
			}
			inputs[name] = subDef.InputInterface
			outputs[name] = data.NewInterface()
		}
	}
	return def.Validate(inputs, outputs)
}

// GetParentRecipeTypes returns the recipe types whose latest revision has a node running the named recipe type.
func GetParentRecipeTypes(ctx context.Context, tx Tx, recipeTypeName string) ([]*RecipeType, error) {
	recipeTypes, err := List[RecipeType](ctx, tx, nil)
	if err != nil {
		return nil, err
	}
	var parents []*RecipeType
	for _, rt := range recipeTypes {
		if rt.Name == recipeTypeName {
			continue
		}
		def, err := GetRecipeDefinition(ctx, tx, rt.ID, rt.RevisionNum)
		if err != nil {
			return nil, err
		}
		if len(def.GetRecipeNodes(recipeTypeName)) > 0 {
			parents = append(parents, rt)
		}
	}
	return parents, nil
}
