// Package messages holds every command message the scheduler sends. Each message type has a Create*Messages
// helper that splits its input into messages of at most the type's maximum size; execution needs the Env the
// message was decoded with, so only messages obtained from a Registry populated by RegisterAll can execute.
package messages

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/storage"
	"github.com/G-Research/batchflow/internal/store"
)

// Message types.
const (
	BlockedJobsType            = "blocked_jobs"
	PendingJobsType            = "pending_jobs"
	UncancelJobsType           = "uncancel_jobs"
	CancelJobsType             = "cancel_jobs"
	CancelJobsBulkType         = "cancel_jobs_bulk"
	CreateJobsType             = "create_jobs"
	ProcessJobInputType        = "process_job_input"
	QueuedJobsType             = "queued_jobs"
	RequeueJobsType            = "requeue_jobs"
	RequeueJobsBulkType        = "requeue_jobs_bulk"
	RunningJobsType            = "running_jobs"
	CompletedJobsType          = "completed_jobs"
	FailedJobsType             = "failed_jobs"
	JobExeEndType              = "job_exe_end"
	PurgeJobsType              = "purge_jobs"
	DeleteJobsType             = "delete_jobs"
	PurgeRecipeType            = "purge_recipe"
	CreateConditionsType       = "create_conditions"
	ProcessConditionType       = "process_condition"
	CreateRecipesType          = "create_recipes"
	ProcessRecipeInputType     = "process_recipe_input"
	UpdateRecipeType           = "update_recipe"
	UpdateRecipesType          = "update_recipes"
	UpdateRecipeMetricsType    = "update_recipe_metrics"
	SupersedeRecipeNodesType   = "supersede_recipe_nodes"
	ReprocessRecipesType       = "reprocess_recipes"
	CreateBatchRecipesType     = "create_batch_recipes"
	UpdateBatchMetricsType     = "update_batch_metrics"
	CreateDatasetsType         = "create_datasets"
	CreateDatasetMembersType   = "create_dataset_members"
	DeleteFilesType            = "delete_files"
	SpawnDeleteFilesJobType    = "spawn_delete_files_job"
	UpdateRecipeDefinitionType = "update_recipe_definition"
)

// Env is what executing messages need. It is shared by every message decoded through the same registry.
type Env struct {
	Store   store.Store
	Clock   clock.PassiveClock
	Catalog *errorcatalog.Catalog
	Mover   storage.Mover
}

type base struct {
	env *Env
}

func (b *base) bind(env *Env) { b.env = env }

func (b *base) now() time.Time { return b.env.Clock.Now() }

type bindable interface {
	messaging.CommandMessage
	bind(env *Env)
}

func register[T any, P interface {
	*T
	bindable
}](registry *messaging.Registry, env *Env) {
	var zero P = new(T)
	registry.Register(zero.Type(), func() messaging.CommandMessage {
		msg := P(new(T))
		msg.bind(env)
		return msg
	})
}

// RegisterAll adds every message type to registry, bound to env.
func RegisterAll(registry *messaging.Registry, env *Env) {
	register[BlockedJobs](registry, env)
	register[PendingJobs](registry, env)
	register[UncancelJobs](registry, env)
	register[CancelJobs](registry, env)
	register[CancelJobsBulk](registry, env)
	register[CreateJobs](registry, env)
	register[ProcessJobInput](registry, env)
	register[QueuedJobs](registry, env)
	register[RequeueJobs](registry, env)
	register[RequeueJobsBulk](registry, env)
	register[RunningJobs](registry, env)
	register[CompletedJobs](registry, env)
	register[FailedJobs](registry, env)
	register[JobExeEnd](registry, env)
	register[PurgeJobs](registry, env)
	register[DeleteJobs](registry, env)
	register[PurgeRecipe](registry, env)
	register[CreateConditions](registry, env)
	register[ProcessCondition](registry, env)
	register[CreateRecipes](registry, env)
	register[ProcessRecipeInput](registry, env)
	register[UpdateRecipe](registry, env)
	register[UpdateRecipes](registry, env)
	register[UpdateRecipeMetrics](registry, env)
	register[SupersedeRecipeNodes](registry, env)
	register[ReprocessRecipes](registry, env)
	register[CreateBatchRecipes](registry, env)
	register[UpdateBatchMetrics](registry, env)
	register[CreateDatasets](registry, env)
	register[CreateDatasetMembers](registry, env)
	register[DeleteFiles](registry, env)
	register[SpawnDeleteFilesJob](registry, env)
	register[UpdateRecipeDefinition](registry, env)
}

// JobExeRef names one execution of a job.
type JobExeRef struct {
	ID     int64 `json:"id"`
	ExeNum int   `json:"exe_num"`
}

// update runs fn in a transaction and returns the messages it collected once the transaction has committed.
func (b *base) update(ctx context.Context, fn func(tx store.Tx, out *outbox) error) ([]messaging.CommandMessage, error) {
	out := &outbox{}
	err := b.env.Store.Update(ctx, func(tx store.Tx) error {
		out.msgs = nil
		return fn(tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out.msgs, nil
}

// outbox collects follow-on messages during a transaction. A retried transaction starts with an empty outbox.
type outbox struct {
	msgs []messaging.CommandMessage
}

func (o *outbox) add(msgs ...messaging.CommandMessage) {
	o.msgs = append(o.msgs, msgs...)
}

func toMessages[P messaging.CommandMessage](msgs []P) []messaging.CommandMessage {
	result := make([]messaging.CommandMessage, len(msgs))
	for i, m := range msgs {
		result[i] = m
	}
	return result
}
