package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/batchflow/internal/messages"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

// Manager tracks the running job executions and collects the command messages their progress produces. All
// methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	exes      map[int64]*RunningJobExecution
	running   []messages.RunningJob
	completed []messages.EndedJob
	failed    []messages.EndedJob
	ends      []*store.JobExecutionEnd
}

func NewManager() *Manager {
	return &Manager{exes: map[int64]*RunningJobExecution{}}
}

// AddJobExes starts tracking newly scheduled executions.
func (m *Manager) AddJobExes(exes []*RunningJobExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exe := range exes {
		m.exes[exe.ID()] = exe
		m.running = append(m.running, messages.RunningJob{
			NodeID:  exe.NodeID(),
			Job:     messages.JobExeRef{ID: exe.JobID(), ExeNum: exe.ExeNum()},
			Started: exe.Started(),
		})
	}
}

func (m *Manager) GetJobExe(id int64) *RunningJobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exes[id]
}

// GetAllJobExes returns every tracked execution ordered by id.
func (m *Manager) GetAllJobExes() []*RunningJobExecution {
	return m.filter(func(*RunningJobExecution) bool { return true })
}

func (m *Manager) GetJobExesOnNode(nodeID int64) []*RunningJobExecution {
	return m.filter(func(e *RunningJobExecution) bool { return e.NodeID() == nodeID })
}

// GetReadyJobExes returns the executions waiting to launch their next task.
func (m *Manager) GetReadyJobExes() []*RunningJobExecution {
	return m.filter(func(e *RunningJobExecution) bool { return e.NextTask() != nil })
}

func (m *Manager) filter(predicate func(*RunningJobExecution) bool) []*RunningJobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*RunningJobExecution
	for _, exe := range m.exes {
		if predicate(exe) {
			result = append(result, exe)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// HandleTaskUpdate routes update to its execution. Returns the execution if the update finished it.
func (m *Manager) HandleTaskUpdate(update *tasks.TaskStatusUpdate) *RunningJobExecution {
	jobExeID, ok := tasks.ParseJobExeID(update.TaskID)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exe, ok := m.exes[jobExeID]
	if !ok {
		return nil
	}
	exe.TaskUpdate(update)
	return m.finishIfDone(exe)
}

// HandleTaskTimeout fails the execution owning a timed out task.
func (m *Manager) HandleTaskTimeout(task *tasks.Task, when time.Time) *RunningJobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	exe, ok := m.exes[task.JobExeID()]
	if !ok {
		return nil
	}
	exe.ExecutionTimedOut(task, when)
	return m.finishIfDone(exe)
}

// LostNode fails every execution on the node. Returns the executions that finished.
func (m *Manager) LostNode(nodeID int64, when time.Time) []*RunningJobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var finished []*RunningJobExecution
	for _, id := range sortedIDs(m.exes) {
		exe := m.exes[id]
		if exe.NodeID() != nodeID {
			continue
		}
		exe.ExecutionLost(when)
		if done := m.finishIfDone(exe); done != nil {
			finished = append(finished, done)
		}
	}
	return finished
}

// CheckForStarvation fails executions that have waited too long for resources.
func (m *Manager) CheckForStarvation(when time.Time) []*RunningJobExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var finished []*RunningJobExecution
	for _, id := range sortedIDs(m.exes) {
		exe := m.exes[id]
		if exe.CheckForStarvation(when) {
			if done := m.finishIfDone(exe); done != nil {
				finished = append(finished, done)
			}
		}
	}
	return finished
}

// CancelJobExes cancels the executions of the given jobs. Returns the executions that finished at once because
// no task of theirs was on the cluster.
func (m *Manager) CancelJobExes(jobIDs []int64, when time.Time) []*RunningJobExecution {
	cancel := map[int64]bool{}
	for _, id := range jobIDs {
		cancel[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var finished []*RunningJobExecution
	for _, id := range sortedIDs(m.exes) {
		exe := m.exes[id]
		if !cancel[exe.JobID()] {
			continue
		}
		exe.ExecutionCanceled(when)
		if done := m.finishIfDone(exe); done != nil {
			finished = append(finished, done)
		}
	}
	return finished
}

// SyncWithDatabase cancels executions whose job was canceled, or has moved on to another execution, since
// they were scheduled.
func (m *Manager) SyncWithDatabase(ctx context.Context, st store.Store, when time.Time) ([]*RunningJobExecution, error) {
	exes := m.GetAllJobExes()
	if len(exes) == 0 {
		return nil, nil
	}
	jobIDs := make([]int64, 0, len(exes))
	for _, exe := range exes {
		jobIDs = append(jobIDs, exe.JobID())
	}
	var toCancel []int64
	err := st.View(ctx, func(tx store.Tx) error {
		jobs, err := store.GetMany[store.Job](ctx, tx, jobIDs)
		if err != nil {
			return err
		}
		byID := make(map[int64]*store.Job, len(jobs))
		for _, job := range jobs {
			byID[job.ID] = job
		}
		for _, exe := range exes {
			job, ok := byID[exe.JobID()]
			if !ok || job.Status == store.JobStatusCanceled || job.NumExes != exe.ExeNum() {
				toCancel = append(toCancel, exe.JobID())
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to sync running job executions")
	}
	if len(toCancel) > 0 {
		log.Infof("canceling executions of %d job(s) no longer running in the database", len(toCancel))
	}
	return m.CancelJobExes(toCancel, when), nil
}

// RemoveJobExe stops tracking an execution without producing any messages, for executions that never made
// it onto the cluster.
func (m *Manager) RemoveJobExe(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exes, id)
}

func (m *Manager) finishIfDone(exe *RunningJobExecution) *RunningJobExecution {
	if !exe.IsFinished() {
		return nil
	}
	delete(m.exes, exe.ID())
	ended := messages.EndedJob{
		Job:   messages.JobExeRef{ID: exe.JobID(), ExeNum: exe.ExeNum()},
		Ended: exe.Ended(),
	}
	switch exe.Status() {
	case Completed:
		m.completed = append(m.completed, ended)
	case Failed:
		if err := exe.Error(); err != nil {
			ended.ErrorID = err.ID
		}
		m.failed = append(m.failed, ended)
	}
	m.ends = append(m.ends, exe.EndModel())
	log.Infof("job execution %d of job %d finished with status %s", exe.ID(), exe.JobID(), exe.Status())
	return exe
}

// GetMessages drains the messages produced since the last call.
func (m *Manager) GetMessages() []messaging.CommandMessage {
	m.mu.Lock()
	running, completed, failed, ends := m.running, m.completed, m.failed, m.ends
	m.running, m.completed, m.failed, m.ends = nil, nil, nil, nil
	m.mu.Unlock()

	var msgs []messaging.CommandMessage
	msgs = append(msgs, messages.CreateRunningJobsMessages(running)...)
	msgs = append(msgs, messages.CreateCompletedJobsMessages(completed)...)
	msgs = append(msgs, messages.CreateFailedJobsMessages(failed)...)
	msgs = append(msgs, messages.CreateJobExeEndMessages(ends)...)
	return msgs
}

func sortedIDs(exes map[int64]*RunningJobExecution) []int64 {
	ids := maps.Keys(exes)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
