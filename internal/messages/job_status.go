package messages

import (
	"context"
	"time"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/recipe/diff"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	MaxBlockedJobs  = 1000
	MaxPendingJobs  = 1000
	MaxUncancelJobs = 1000
	MaxCancelJobs   = 1000
)

// BlockedJobs moves jobs that have never been queued to BLOCKED. Jobs whose status changed after StatusChange
// are left alone, so an old message cannot undo a newer decision.
type BlockedJobs struct {
	base
	JobIDs       []int64   `json:"job_ids"`
	StatusChange time.Time `json:"status_change"`
}

func CreateBlockedJobsMessages(jobIDs []int64, statusChange time.Time) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(jobIDs, MaxBlockedJobs) {
		msgs = append(msgs, &BlockedJobs{JobIDs: ids, StatusChange: statusChange})
	}
	return msgs
}

func (m *BlockedJobs) Type() string { return BlockedJobsType }

func (m *BlockedJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, m.JobIDs)
		if err != nil {
			return err
		}
		blocked := filterJobs(jobs, func(j *store.Job) bool {
			return j.CanBeBlocked() && j.LastStatusChange.Before(m.StatusChange)
		})
		store.UpdateJobStatus(blocked, store.JobStatusBlocked, m.StatusChange)
		if err := store.Save(ctx, tx, blocked...); err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("set %d job(s) to BLOCKED", len(blocked))
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(blocked))...)
		return nil
	})
}

// PendingJobs moves jobs that have never been queued to PENDING, guarded by StatusChange like BlockedJobs.
type PendingJobs struct {
	base
	JobIDs       []int64   `json:"job_ids"`
	StatusChange time.Time `json:"status_change"`
}

func CreatePendingJobsMessages(jobIDs []int64, statusChange time.Time) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(jobIDs, MaxPendingJobs) {
		msgs = append(msgs, &PendingJobs{JobIDs: ids, StatusChange: statusChange})
	}
	return msgs
}

func (m *PendingJobs) Type() string { return PendingJobsType }

func (m *PendingJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, m.JobIDs)
		if err != nil {
			return err
		}
		pending := filterJobs(jobs, func(j *store.Job) bool {
			return j.CanBePending() && j.LastStatusChange.Before(m.StatusChange)
		})
		store.UpdateJobStatus(pending, store.JobStatusPending, m.StatusChange)
		if err := store.Save(ctx, tx, pending...); err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("set %d job(s) to PENDING", len(pending))
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(pending))...)
		return nil
	})
}

// UncancelJobs returns canceled jobs that never ran to PENDING so their recipes can pick them up again. Jobs
// whose status changed after When are left alone.
type UncancelJobs struct {
	base
	JobIDs []int64   `json:"job_ids"`
	When   time.Time `json:"when"`
}

func CreateUncancelJobsMessages(jobIDs []int64, when time.Time) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(jobIDs, MaxUncancelJobs) {
		msgs = append(msgs, &UncancelJobs{JobIDs: ids, When: when})
	}
	return msgs
}

func (m *UncancelJobs) Type() string { return UncancelJobsType }

func (m *UncancelJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, m.JobIDs)
		if err != nil {
			return err
		}
		uncanceled := filterJobs(jobs, func(j *store.Job) bool {
			return j.CanBeUncanceled() && j.LastStatusChange.Before(m.When)
		})
		store.UpdateJobStatus(uncanceled, store.JobStatusPending, m.When)
		if err := store.Save(ctx, tx, uncanceled...); err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("uncanceled %d job(s)", len(uncanceled))
		out.add(CreateUpdateRecipesMessages(rootRecipeIDsOf(jobs))...)
		return nil
	})
}

// CancelJobs cancels jobs that have not completed and takes them off the queue. Running executions of
// canceled jobs are killed when the scheduler next syncs with the database.
type CancelJobs struct {
	base
	JobIDs []int64   `json:"job_ids"`
	When   time.Time `json:"when"`
}

func CreateCancelJobsMessages(jobIDs []int64, when time.Time) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(jobIDs, MaxCancelJobs) {
		msgs = append(msgs, &CancelJobs{JobIDs: ids, When: when})
	}
	return msgs
}

func (m *CancelJobs) Type() string { return CancelJobsType }

func (m *CancelJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, m.JobIDs)
		if err != nil {
			return err
		}
		canceled := filterJobs(jobs, (*store.Job).CanBeCanceled)
		store.UpdateJobStatus(canceled, store.JobStatusCanceled, m.When)
		if err := store.Save(ctx, tx, canceled...); err != nil {
			return err
		}
		if err := store.Delete[store.Queue](ctx, tx, store.IDs(canceled)); err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("canceled %d job(s)", len(canceled))

		inRecipes := filterJobs(jobs, func(j *store.Job) bool { return j.RecipeID != 0 })
		for _, rootID := range rootRecipeIDsOf(inRecipes) {
			out.add(CreateUpdateRecipeMessage(rootID, diff.AllForcedNodes()))
		}
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(inRecipes))...)
		return nil
	})
}
