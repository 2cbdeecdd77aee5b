package execution

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

type Status string

const (
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	Canceled  Status = "CANCELED"
)

// StarvationThreshold is how long an execution may wait for resources for its next task before it fails.
const StarvationThreshold = 10 * time.Minute

// RunningJobExecution walks one job execution through its pre, main and post tasks on a single agent.
// It is safe for concurrent use.
type RunningJobExecution struct {
	mu sync.Mutex

	agentID     string
	jobExe      store.JobExecution
	jobTypeName string
	catalog     *errorcatalog.Catalog

	status           Status
	err              *errorcatalog.Error
	ended            time.Time
	currentTask      *tasks.Task
	remainingTasks   []*tasks.Task
	allTasks         []*tasks.Task
	attempts         map[tasks.Role]int
	containerNames   []string
	lastTaskFinished time.Time
}

// NewRunningJobExecution builds the tasks for jobExe. System job types run only a main task; every other job
// type runs pre, main and post tasks.
func NewRunningJobExecution(agentID string, jobExe *store.JobExecution, jobType *store.JobType, catalog *errorcatalog.Catalog) *RunningJobExecution {
	e := &RunningJobExecution{
		agentID:          agentID,
		jobExe:           *jobExe,
		jobTypeName:      jobType.Name,
		catalog:          catalog,
		status:           Running,
		attempts:         map[tasks.Role]int{},
		lastTaskFinished: jobExe.Started,
	}
	jobResources := jobExe.Resources
	if jobResources == nil {
		jobResources = jobType.GetResources()
	}
	runningTimeout := time.Duration(jobExe.Timeout) * time.Second

	if jobType.IsSystem {
		e.addTask(tasks.RoleMain, tasks.SystemJobCapability(catalog, mainTaskResources(jobResources, jobExe.InputFileSize)), jobType, runningTimeout)
	} else {
		mapping := errorcatalog.NewJobErrorMapping(catalog, jobType.Name, jobType.ErrorMapping)
		e.addTask(tasks.RolePre, tasks.PreCapability(catalog, noDiskResources(jobResources)), jobType, 0)
		e.addTask(tasks.RoleMain, tasks.AlgorithmJobCapability(catalog, mainTaskResources(jobResources, jobExe.InputFileSize), mapping), jobType, runningTimeout)
		e.addTask(tasks.RolePost, tasks.PostCapability(catalog, noDiskResources(jobResources)), jobType, 0)
	}
	return e
}

func (e *RunningJobExecution) addTask(role tasks.Role, capability tasks.Capability, jobType *store.JobType, runningTimeout time.Duration) {
	task := tasks.NewTask(tasks.Config{
		ID:             tasks.JobTaskID(e.jobExe.ID, role, 0),
		Name:           fmt.Sprintf("%s %s %s", jobType.Name, jobType.Version, role),
		AgentID:        e.agentID,
		Role:           role,
		Capability:     capability,
		JobExeID:       e.jobExe.ID,
		DockerImage:    jobType.DockerImage,
		Command:        jobType.Command,
		RunningTimeout: runningTimeout,
	})
	e.remainingTasks = append(e.remainingTasks, task)
	e.allTasks = append(e.allTasks, task)
}

// Pre and post tasks need the job's cpus and memory but no disk.
func noDiskResources(jobResources *resources.NodeResources) *resources.NodeResources {
	values := jobResources.ToMap()
	delete(values, resources.Disk)
	return resources.MustNodeResources(values)
}

// The main task needs disk for its output only, the input is already in place.
func mainTaskResources(jobResources *resources.NodeResources, inputFileSize float64) *resources.NodeResources {
	values := jobResources.ToMap()
	values[resources.Disk] -= inputFileSize
	if values[resources.Disk] < 0 {
		values[resources.Disk] = 0
	}
	return resources.MustNodeResources(values)
}

func (e *RunningJobExecution) ID() int64        { return e.jobExe.ID }
func (e *RunningJobExecution) JobID() int64     { return e.jobExe.JobID }
func (e *RunningJobExecution) ExeNum() int      { return e.jobExe.ExeNum }
func (e *RunningJobExecution) JobTypeID() int64 { return e.jobExe.JobTypeID }
func (e *RunningJobExecution) NodeID() int64    { return e.jobExe.NodeID }
func (e *RunningJobExecution) AgentID() string  { return e.agentID }
func (e *RunningJobExecution) Started() time.Time {
	return e.jobExe.Started
}

func (e *RunningJobExecution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Error is the error the execution failed with, nil unless it failed.
func (e *RunningJobExecution) Error() *errorcatalog.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *RunningJobExecution) Ended() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// CurrentTask is the task running on the cluster, nil between tasks.
func (e *RunningJobExecution) CurrentTask() *tasks.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTask
}

// IsFinished is true once the execution has left RUNNING and its last task is off the cluster.
func (e *RunningJobExecution) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status != Running && e.currentTask == nil
}

// NextTask returns the task to launch next, nil while a task is running or once the execution is over.
func (e *RunningJobExecution) NextTask() *tasks.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextTask()
}

func (e *RunningJobExecution) nextTask() *tasks.Task {
	if e.status != Running || e.currentTask != nil || len(e.remainingTasks) == 0 {
		return nil
	}
	return e.remainingTasks[0]
}

// IsNextTaskReady reports whether available covers the next task.
func (e *RunningJobExecution) IsNextTaskReady(available *resources.NodeResources) bool {
	next := e.NextTask()
	return next != nil && available.IsSufficientToMeet(next.GetResources())
}

// StartNextTask makes the next task current and returns it for launching.
func (e *RunningJobExecution) StartNextTask() *tasks.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.nextTask()
	if next == nil {
		return nil
	}
	e.remainingTasks = e.remainingTasks[1:]
	e.currentTask = next
	e.containerNames = append(e.containerNames, next.ID())
	return next
}

// TaskUpdate applies a status update for the current task and moves the execution on.
func (e *RunningJobExecution) TaskUpdate(update *tasks.TaskStatusUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.currentTask
	if current == nil || current.ID() != update.TaskID {
		return
	}
	if !current.Update(update) {
		return
	}

	switch {
	case update.Status == tasks.Lost:
		e.currentTask = nil
		if e.status == Running {
			role := current.Role()
			e.attempts[role]++
			relaunch := current.Relaunchable(tasks.JobTaskID(e.jobExe.ID, role, e.attempts[role]))
			e.remainingTasks = append([]*tasks.Task{relaunch}, e.remainingTasks...)
			e.allTasks = append(e.allTasks, relaunch)
			log.Warnf("task %s of job execution %d was lost, relaunching as %s", current.ID(), e.jobExe.ID, relaunch.ID())
		}
	case update.Status == tasks.Finished:
		e.currentTask = nil
		e.lastTaskFinished = update.Timestamp
		if e.status == Running && len(e.remainingTasks) == 0 {
			e.status = Completed
			e.ended = update.Timestamp
		}
	case update.Status.IsTerminal():
		e.currentTask = nil
		if e.status == Running {
			taskErr := current.Error()
			if taskErr == nil {
				taskErr = e.catalog.GetUnknownError()
			}
			e.fail(taskErr, update.Timestamp)
		}
	}
}

func (e *RunningJobExecution) fail(err *errorcatalog.Error, when time.Time) {
	e.status = Failed
	e.err = err
	e.ended = when
	e.remainingTasks = nil
}

// ExecutionTimedOut fails the execution because task timed out. The task is expected to already be marked for
// killing; the execution finishes once the kill is confirmed.
func (e *RunningJobExecution) ExecutionTimedOut(task *tasks.Task, when time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Running {
		return
	}
	timeoutErr := task.Error()
	if timeoutErr == nil {
		timeoutErr = e.catalog.MustBuiltinError(errorcatalog.LaunchTimeoutError)
	}
	e.fail(timeoutErr, when)
}

// ExecutionLost fails the execution because its node went away, taking the current task with it.
func (e *RunningJobExecution) ExecutionLost(when time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentTask = nil
	if e.status != Running {
		return
	}
	e.fail(e.catalog.MustBuiltinError(errorcatalog.NodeLostError), when)
}

// ExecutionCanceled stops the execution. A launched current task is marked to be killed.
func (e *RunningJobExecution) ExecutionCanceled(when time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Running {
		return
	}
	e.status = Canceled
	e.ended = when
	e.remainingTasks = nil
	if e.currentTask != nil {
		if e.currentTask.HasBeenLaunched() {
			e.currentTask.ForceKill()
		} else {
			e.currentTask = nil
		}
	}
}

// CheckForStarvation fails an execution that has waited too long to launch its next task. Returns true if it
// failed on this call.
func (e *RunningJobExecution) CheckForStarvation(when time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Running || e.currentTask != nil || len(e.remainingTasks) == 0 {
		return false
	}
	if when.Sub(e.lastTaskFinished) <= StarvationThreshold {
		return false
	}
	log.Warnf("job execution %d has waited since %s for resources", e.jobExe.ID, e.lastTaskFinished)
	e.fail(e.catalog.MustBuiltinError(errorcatalog.StarvationError), when)
	return true
}

// GetContainerNames returns the names of every container the execution may have left on its node.
func (e *RunningJobExecution) GetContainerNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.containerNames...)
}

// EndModel builds the record of how the execution ended.
func (e *RunningJobExecution) EndModel() *store.JobExecutionEnd {
	e.mu.Lock()
	defer e.mu.Unlock()
	end := &store.JobExecutionEnd{
		JobExeID:  e.jobExe.ID,
		JobID:     e.jobExe.JobID,
		JobTypeID: e.jobExe.JobTypeID,
		ExeNum:    e.jobExe.ExeNum,
		Status:    string(e.status),
		NodeID:    e.jobExe.NodeID,
		Queued:    e.jobExe.Queued,
		Ended:     e.ended,
	}
	if !e.jobExe.Started.IsZero() {
		started := e.jobExe.Started
		end.Started = &started
	}
	if e.err != nil {
		end.ErrorID = e.err.ID
	}
	for _, task := range e.allTasks {
		info := task.Snapshot()
		result := store.TaskResult{
			TaskID:      info.ID,
			Type:        string(info.Role),
			WasLaunched: info.Launched || info.HasEnded,
			Status:      string(info.FinalStatus),
			ExitCode:    info.ExitCode,
		}
		result.Launched = timePtr(info.LaunchedTime)
		result.Started = timePtr(info.Started)
		result.Ended = timePtr(info.Ended)
		end.TaskResults = append(end.TaskResults, result)
	}
	return end
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
