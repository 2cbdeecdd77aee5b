package messages

import (
	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/store"
)

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != 0 && !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	slices.Sort(result)
	return result
}

// recipeIDsOf returns the recipes directly containing jobs.
func recipeIDsOf(jobs []*store.Job) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.RecipeID)
	}
	return uniqueSorted(ids)
}

// rootRecipeIDsOf returns the top level recipes of jobs.
func rootRecipeIDsOf(jobs []*store.Job) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.RootRecipe())
	}
	return uniqueSorted(ids)
}

func filterJobs(jobs []*store.Job, keep func(*store.Job) bool) []*store.Job {
	var result []*store.Job
	for _, job := range jobs {
		if keep(job) {
			result = append(result, job)
		}
	}
	return result
}

func jobsByID(jobs []*store.Job) map[int64]*store.Job {
	result := make(map[int64]*store.Job, len(jobs))
	for _, job := range jobs {
		result[job.ID] = job
	}
	return result
}

func refIDs(refs []JobExeRef) []int64 {
	ids := make([]int64, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return ids
}
