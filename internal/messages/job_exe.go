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
	MaxRunningJobs   = 100
	MaxCompletedJobs = 100
	MaxFailedJobs    = 100
	MaxJobExeEnds    = 10
)

// RunningJob is a job execution that has started on a node.
type RunningJob struct {
	NodeID  int64
	Job     JobExeRef
	Started time.Time
}

// EndedJob is a job execution that has finished. ErrorID is only set for failures.
type EndedJob struct {
	Job     JobExeRef
	Ended   time.Time
	ErrorID int64
}

type NodeJobs struct {
	ID   int64       `json:"id"`
	Jobs []JobExeRef `json:"jobs"`
}

// RunningJobs sets jobs to RUNNING on their node. Updates for an execution other than the job's latest are
// ignored.
type RunningJobs struct {
	base
	Started time.Time  `json:"started"`
	Nodes   []NodeJobs `json:"nodes"`
}

// CreateRunningJobsMessages groups running jobs by start time and then by node.
func CreateRunningJobsMessages(running []RunningJob) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, started := range distinctTimes(running, func(r RunningJob) time.Time { return r.Started }) {
		var group []RunningJob
		for _, r := range running {
			if r.Started.Equal(started) {
				group = append(group, r)
			}
		}
		for _, batch := range util.Batch(group, MaxRunningJobs) {
			msg := &RunningJobs{Started: started}
			for _, r := range batch {
				msg.addJob(r.NodeID, r.Job)
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (m *RunningJobs) addJob(nodeID int64, job JobExeRef) {
	for i := range m.Nodes {
		if m.Nodes[i].ID == nodeID {
			m.Nodes[i].Jobs = append(m.Nodes[i].Jobs, job)
			return
		}
	}
	m.Nodes = append(m.Nodes, NodeJobs{ID: nodeID, Jobs: []JobExeRef{job}})
}

func (m *RunningJobs) Type() string { return RunningJobsType }

func (m *RunningJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	var jobIDs []int64
	for _, node := range m.Nodes {
		jobIDs = append(jobIDs, refIDs(node.Jobs)...)
	}
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, jobIDs)
		if err != nil {
			return err
		}
		byID := jobsByID(jobs)
		var running []*store.Job
		for _, node := range m.Nodes {
			for _, ref := range node.Jobs {
				job, ok := byID[ref.ID]
				if !ok || job.NumExes != ref.ExeNum {
					continue
				}
				job.NodeID = node.ID
				if job.CanBeRunning() {
					running = append(running, job)
				}
			}
		}
		store.UpdateJobStatus(running, store.JobStatusRunning, m.Started)
		if err := store.Save(ctx, tx, jobs...); err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("set %d job(s) to RUNNING", len(running))
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(jobs))...)
		return nil
	})
}

// CompletedJobs sets jobs to COMPLETED. Completed jobs whose output has been recorded get the output copied
// onto the job and their recipes updated.
type CompletedJobs struct {
	base
	Ended time.Time   `json:"ended"`
	Jobs  []JobExeRef `json:"jobs"`
}

// CreateCompletedJobsMessages groups completed jobs by end time.
func CreateCompletedJobsMessages(completed []EndedJob) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ended := range distinctTimes(completed, func(e EndedJob) time.Time { return e.Ended }) {
		var refs []JobExeRef
		for _, e := range completed {
			if e.Ended.Equal(ended) {
				refs = append(refs, e.Job)
			}
		}
		for _, batch := range util.Batch(refs, MaxCompletedJobs) {
			msgs = append(msgs, &CompletedJobs{Ended: ended, Jobs: batch})
		}
	}
	return msgs
}

func (m *CompletedJobs) Type() string { return CompletedJobsType }

func (m *CompletedJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, refIDs(m.Jobs))
		if err != nil {
			return err
		}
		byID := jobsByID(jobs)
		var current, completed []*store.Job
		for _, ref := range m.Jobs {
			job, ok := byID[ref.ID]
			if !ok || job.NumExes != ref.ExeNum {
				continue
			}
			current = append(current, job)
			if job.CanBeCompleted() {
				completed = append(completed, job)
			}
		}
		store.UpdateJobStatus(completed, store.JobStatusCompleted, m.Ended)
		logging.FromContext(ctx).Infof("set %d job(s) to COMPLETED", len(completed))

		withOutput, err := attachJobOutputs(ctx, tx, current, m.now())
		if err != nil {
			return err
		}
		if err := store.Save(ctx, tx, current...); err != nil {
			return err
		}
		for _, rootID := range rootRecipeIDsOf(withOutput) {
			out.add(CreateUpdateRecipeMessage(rootID, nil))
		}
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(jobs))...)
		return nil
	})
}

// attachJobOutputs copies the output of the latest execution onto COMPLETED jobs that do not have output yet,
// returning the jobs that gained output.
func attachJobOutputs(ctx context.Context, tx store.Tx, jobs []*store.Job, when time.Time) ([]*store.Job, error) {
	var waiting []*store.Job
	for _, job := range jobs {
		if job.Status == store.JobStatusCompleted && !job.HasOutput() {
			waiting = append(waiting, job)
		}
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	outputs, err := store.LatestJobOutputs(ctx, tx, store.IDs(waiting))
	if err != nil {
		return nil, err
	}
	var withOutput []*store.Job
	for _, job := range waiting {
		output, ok := outputs[job.ID]
		if !ok || output.ExeNum != job.NumExes || output.Output == nil {
			continue
		}
		job.Output = output.Output.Copy()
		job.LastModified = when
		withOutput = append(withOutput, job)
	}
	if len(withOutput) > 0 {
		logging.FromContext(ctx).Infof("found %d COMPLETED job(s) with output", len(withOutput))
	}
	return withOutput, nil
}

type ErrorJobs struct {
	ID   int64       `json:"id"`
	Jobs []JobExeRef `json:"jobs"`
}

// FailedJobs fails jobs with the error they reported, or requeues them when the error allows a retry and the
// job has tries left.
type FailedJobs struct {
	base
	Ended  time.Time   `json:"ended"`
	Errors []ErrorJobs `json:"errors"`
}

// CreateFailedJobsMessages groups failed jobs by end time and then by error.
func CreateFailedJobsMessages(failed []EndedJob) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ended := range distinctTimes(failed, func(e EndedJob) time.Time { return e.Ended }) {
		var group []EndedJob
		for _, e := range failed {
			if e.Ended.Equal(ended) {
				group = append(group, e)
			}
		}
		for _, batch := range util.Batch(group, MaxFailedJobs) {
			msg := &FailedJobs{Ended: ended}
			for _, e := range batch {
				msg.addJob(e.ErrorID, e.Job)
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (m *FailedJobs) addJob(errorID int64, job JobExeRef) {
	for i := range m.Errors {
		if m.Errors[i].ID == errorID {
			m.Errors[i].Jobs = append(m.Errors[i].Jobs, job)
			return
		}
	}
	m.Errors = append(m.Errors, ErrorJobs{ID: errorID, Jobs: []JobExeRef{job}})
}

func (m *FailedJobs) Type() string { return FailedJobsType }

func (m *FailedJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	var jobIDs []int64
	for _, e := range m.Errors {
		jobIDs = append(jobIDs, refIDs(e.Jobs)...)
	}
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, jobIDs)
		if err != nil {
			return err
		}
		byID := jobsByID(jobs)
		var retry []JobExeRef
		var failed []*store.Job
		for _, e := range m.Errors {
			shouldBeRetried := false
			if catalogErr, err := m.env.Catalog.GetErrorByID(e.ID); err == nil {
				shouldBeRetried = catalogErr.ShouldBeRetried
			} else {
				logging.FromContext(ctx).Warnf("unknown error %d for failed jobs, failing without retry", e.ID)
			}
			var toFail []*store.Job
			for _, ref := range e.Jobs {
				job, ok := byID[ref.ID]
				if !ok || !job.CanBeFailed() || job.NumExes != ref.ExeNum {
					continue
				}
				if shouldBeRetried && job.NumExes < job.MaxTries && !job.IsSuperseded {
					retry = append(retry, JobExeRef{ID: job.ID, ExeNum: job.NumExes})
					continue
				}
				toFail = append(toFail, job)
			}
			store.UpdateJobStatus(toFail, store.JobStatusFailed, m.Ended)
			for _, job := range toFail {
				job.ErrorID = e.ID
			}
			failed = append(failed, toFail...)
		}
		if err := store.Save(ctx, tx, failed...); err != nil {
			return err
		}
		logging.FromContext(ctx).Infof("set %d job(s) to FAILED, %d to retry", len(failed), len(retry))

		for _, rootID := range rootRecipeIDsOf(jobs) {
			out.add(CreateUpdateRecipeMessage(rootID, nil))
		}
		out.add(CreateQueuedJobsMessages(retry, true, nil)...)
		out.add(CreateUpdateRecipeMetricsMessages(recipeIDsOf(jobs))...)
		return nil
	})
}

// JobExeEnd records the end of job executions. An execution that already has an end record keeps it.
type JobExeEnd struct {
	base
	JobExeEnds []*store.JobExecutionEnd `json:"job_exe_end_models"`
}

func CreateJobExeEndMessages(ends []*store.JobExecutionEnd) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(ends, MaxJobExeEnds) {
		msgs = append(msgs, &JobExeEnd{JobExeEnds: batch})
	}
	return msgs
}

func (m *JobExeEnd) Type() string { return JobExeEndType }

func (m *JobExeEnd) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		ids := make([]int64, len(m.JobExeEnds))
		for i, end := range m.JobExeEnds {
			ids[i] = end.JobExeID
		}
		existing, err := store.GetMany[store.JobExecutionEnd](ctx, tx, ids)
		if err != nil {
			return err
		}
		seen := map[int64]bool{}
		for _, end := range existing {
			seen[end.ID] = true
		}
		var toCreate []*store.JobExecutionEnd
		for _, end := range m.JobExeEnds {
			if seen[end.JobExeID] {
				continue
			}
			seen[end.JobExeID] = true
			created := *end
			created.ID = end.JobExeID
			toCreate = append(toCreate, &created)
		}
		if len(toCreate) > 0 {
			logging.FromContext(ctx).Infof("creating %d job execution end record(s)", len(toCreate))
		}
		return store.Save(ctx, tx, toCreate...)
	})
}

func distinctTimes[T any](items []T, key func(T) time.Time) []time.Time {
	var times []time.Time
	for _, item := range items {
		t := key(item)
		if slices.IndexFunc(times, t.Equal) < 0 {
			times = append(times, t)
		}
	}
	return times
}
