package messages

import (
	"context"
	"sort"
	"time"

	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	MaxQueuedJobs  = 100
	MaxRequeueJobs = 100
	// MaxBulkJobs is how many jobs one bulk message looks at before handing over to its continuation.
	MaxBulkJobs = 1000
)

// QueuedJobs puts jobs on the queue for their next execution. A job is only queued when its execution count
// still matches, so a duplicate message cannot queue an extra execution.
type QueuedJobs struct {
	base
	Jobs     []JobExeRef `json:"jobs"`
	Requeue  bool        `json:"requeue"`
	Priority *int        `json:"priority,omitempty"`
}

func CreateQueuedJobsMessages(jobs []JobExeRef, requeue bool, priority *int) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(jobs, MaxQueuedJobs) {
		msgs = append(msgs, &QueuedJobs{Jobs: batch, Requeue: requeue, Priority: priority})
	}
	return msgs
}

func (m *QueuedJobs) Type() string { return QueuedJobsType }

func (m *QueuedJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, refIDs(m.Jobs))
		if err != nil {
			return err
		}
		byID := jobsByID(jobs)
		var toQueue []*store.Job
		for _, ref := range m.Jobs {
			if job, ok := byID[ref.ID]; ok && job.NumExes == ref.ExeNum {
				toQueue = append(toQueue, job)
			}
		}
		queued, err := queueJobs(ctx, tx, toQueue, m.Requeue, m.Priority, m.now())
		if err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("queued %d job(s)", queued)
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(jobs))...)
		return nil
	})
}

// queueJobs moves jobs to QUEUED, starts their next execution and adds them to the queue. It returns how many
// jobs were queued.
func queueJobs(ctx context.Context, tx store.Tx, jobs []*store.Job, requeue bool, priority *int, when time.Time) (int, error) {
	var queued []*store.Job
	var entries []*store.Queue
	for _, job := range jobs {
		canQueue := job.CanBeQueued()
		if requeue {
			canQueue = job.CanBeRequeued()
		}
		if !canQueue {
			continue
		}
		jobType, err := store.Get[store.JobType](ctx, tx, job.JobTypeID)
		if err != nil {
			return 0, err
		}
		if jobType == nil {
			logging.FromContext(ctx).Warnf("job %d has unknown job type %d and cannot be queued", job.ID, job.JobTypeID)
			continue
		}
		if priority != nil {
			job.Priority = *priority
		}
		job.NumExes++
		queued = append(queued, job)
		entries = append(entries, &store.Queue{
			ID:            job.ID,
			JobTypeID:     job.JobTypeID,
			ExeNum:        job.NumExes,
			Priority:      job.Priority,
			InputFileSize: job.InputFileSize,
			Resources:     jobType.GetResources(),
			Timeout:       job.Timeout,
			Queued:        when,
		})
	}
	store.UpdateJobStatus(queued, store.JobStatusQueued, when)
	if err := store.Save(ctx, tx, queued...); err != nil {
		return 0, err
	}
	if err := store.Save(ctx, tx, entries...); err != nil {
		return 0, err
	}
	return len(queued), nil
}

// RequeueJobs gives failed and canceled jobs another round of tries. Canceled jobs that never ran are
// uncanceled instead.
type RequeueJobs struct {
	base
	Jobs     []JobExeRef `json:"jobs"`
	Priority *int        `json:"priority,omitempty"`
}

func CreateRequeueJobsMessages(jobs []JobExeRef, priority *int) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(jobs, MaxRequeueJobs) {
		msgs = append(msgs, &RequeueJobs{Jobs: batch, Priority: priority})
	}
	return msgs
}

func (m *RequeueJobs) Type() string { return RequeueJobsType }

func (m *RequeueJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	when := m.now()
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, refIDs(m.Jobs))
		if err != nil {
			return err
		}
		byID := jobsByID(jobs)
		var requeue []JobExeRef
		var toReset []*store.Job
		var uncancel []int64
		for _, ref := range m.Jobs {
			job, ok := byID[ref.ID]
			if !ok {
				continue
			}
			if job.CanBeRequeued() && job.NumExes == ref.ExeNum {
				requeue = append(requeue, JobExeRef{ID: job.ID, ExeNum: job.NumExes})
				toReset = append(toReset, job)
			} else if job.CanBeUncanceled() {
				uncancel = append(uncancel, job.ID)
			}
		}
		for _, job := range toReset {
			jobType, err := store.Get[store.JobType](ctx, tx, job.JobTypeID)
			if err != nil {
				return err
			}
			maxTries := job.MaxTries
			if jobType != nil {
				maxTries = jobType.MaxTries
			}
			job.MaxTries = job.NumExes + maxTries
			job.LastModified = when
		}
		if err := store.Save(ctx, tx, toReset...); err != nil {
			return err
		}
		if len(requeue) > 0 {
			logging.FromContext(ctx).Infof("there are %d job(s) to requeue, increased their max tries", len(requeue))
		}
		out.add(CreateQueuedJobsMessages(requeue, true, m.Priority)...)
		out.add(CreateUncancelJobsMessages(uncancel, when)...)
		return nil
	})
}

// JobFilter selects jobs for the bulk messages. Empty fields match everything.
type JobFilter struct {
	Started         *time.Time              `json:"started,omitempty"`
	Ended           *time.Time              `json:"ended,omitempty"`
	ErrorCategories []errorcatalog.Category `json:"error_categories,omitempty"`
	ErrorIDs        []int64                 `json:"error_ids,omitempty"`
	JobIDs          []int64                 `json:"job_ids,omitempty"`
	JobTypeIDs      []int64                 `json:"job_type_ids,omitempty"`
	JobTypeNames    []string                `json:"job_type_names,omitempty"`
	BatchIDs        []int64                 `json:"batch_ids,omitempty"`
	RecipeIDs       []int64                 `json:"recipe_ids,omitempty"`
	Statuses        []string                `json:"statuses,omitempty"`
	IsSuperseded    *bool                   `json:"is_superseded,omitempty"`
	// CurrentJobID is where the previous message of a bulk operation stopped.
	CurrentJobID int64 `json:"current_job_id,omitempty"`
}

// next returns up to MaxBulkJobs matching jobs in descending id order, and whether more may follow.
func (f *JobFilter) next(ctx context.Context, tx store.Tx, catalog *errorcatalog.Catalog) ([]*store.Job, bool, error) {
	var typeIDs []int64
	if len(f.JobTypeNames) > 0 {
		jobTypes, err := store.List(ctx, tx, func(t *store.JobType) bool { return slices.Contains(f.JobTypeNames, t.Name) })
		if err != nil {
			return nil, false, err
		}
		typeIDs = store.IDs(jobTypes)
	}
	jobs, err := store.List(ctx, tx, func(j *store.Job) bool {
		switch {
		case f.CurrentJobID != 0 && j.ID >= f.CurrentJobID:
			return false
		case f.Started != nil && (j.Started == nil || j.Started.Before(*f.Started)):
			return false
		case f.Ended != nil && (j.Ended == nil || j.Ended.After(*f.Ended)):
			return false
		case len(f.ErrorIDs) > 0 && !slices.Contains(f.ErrorIDs, j.ErrorID):
			return false
		case len(f.JobIDs) > 0 && !slices.Contains(f.JobIDs, j.ID):
			return false
		case len(f.JobTypeIDs) > 0 && !slices.Contains(f.JobTypeIDs, j.JobTypeID):
			return false
		case len(f.JobTypeNames) > 0 && !slices.Contains(typeIDs, j.JobTypeID):
			return false
		case len(f.BatchIDs) > 0 && !slices.Contains(f.BatchIDs, j.BatchID):
			return false
		case len(f.RecipeIDs) > 0 && !slices.Contains(f.RecipeIDs, j.RecipeID):
			return false
		case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status):
			return false
		case f.IsSuperseded != nil && j.IsSuperseded != *f.IsSuperseded:
			return false
		case len(f.ErrorCategories) > 0:
			e, err := catalog.GetErrorByID(j.ErrorID)
			return err == nil && slices.Contains(f.ErrorCategories, e.Category)
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID > jobs[k].ID })
	if len(jobs) > MaxBulkJobs {
		return jobs[:MaxBulkJobs], true, nil
	}
	return jobs, len(jobs) == MaxBulkJobs, nil
}

// CancelJobsBulk cancels every job matching a filter, a page of jobs at a time.
type CancelJobsBulk struct {
	base
	JobFilter
}

func CreateCancelJobsBulkMessage(filter JobFilter) *CancelJobsBulk {
	return &CancelJobsBulk{JobFilter: filter}
}

func (m *CancelJobsBulk) Type() string { return CancelJobsBulkType }

func (m *CancelJobsBulk) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	var jobs []*store.Job
	var more bool
	err := m.env.Store.View(ctx, func(tx store.Tx) error {
		var err error
		jobs, more, err = m.next(ctx, tx, m.env.Catalog)
		return err
	})
	if err != nil {
		return nil, err
	}
	var msgs []messaging.CommandMessage
	if more {
		next := *m
		next.CurrentJobID = jobs[len(jobs)-1].ID
		logging.FromContext(ctx).Infof("reached %d jobs, continuing below job %d", MaxBulkJobs, next.CurrentJobID)
		msgs = append(msgs, &next)
	}
	toCancel := store.IDs(filterJobs(jobs, (*store.Job).CanBeCanceled))
	logging.FromContext(ctx).Infof("found %d job(s) to cancel", len(toCancel))
	msgs = append(msgs, CreateCancelJobsMessages(toCancel, m.now())...)
	return msgs, nil
}

// RequeueJobsBulk requeues every job matching a filter, a page of jobs at a time.
type RequeueJobsBulk struct {
	base
	JobFilter
	Priority *int `json:"priority,omitempty"`
}

func CreateRequeueJobsBulkMessage(filter JobFilter, priority *int) *RequeueJobsBulk {
	return &RequeueJobsBulk{JobFilter: filter, Priority: priority}
}

func (m *RequeueJobsBulk) Type() string { return RequeueJobsBulkType }

func (m *RequeueJobsBulk) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	var jobs []*store.Job
	var more bool
	err := m.env.Store.View(ctx, func(tx store.Tx) error {
		var err error
		jobs, more, err = m.next(ctx, tx, m.env.Catalog)
		return err
	})
	if err != nil {
		return nil, err
	}
	var msgs []messaging.CommandMessage
	if more {
		next := *m
		next.CurrentJobID = jobs[len(jobs)-1].ID
		logging.FromContext(ctx).Infof("reached %d jobs, continuing below job %d", MaxBulkJobs, next.CurrentJobID)
		msgs = append(msgs, &next)
	}
	var requeue []JobExeRef
	for _, job := range jobs {
		if job.CanBeRequeued() || job.CanBeUncanceled() {
			requeue = append(requeue, JobExeRef{ID: job.ID, ExeNum: job.NumExes})
		}
	}
	logging.FromContext(ctx).Infof("found %d job(s) to requeue", len(requeue))
	msgs = append(msgs, CreateRequeueJobsMessages(requeue, m.Priority)...)
	return msgs, nil
}
