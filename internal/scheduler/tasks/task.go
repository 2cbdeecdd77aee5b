package tasks

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
)

const (
	DefaultRunningTimeout = time.Hour
	DefaultStagingTimeout = 2 * time.Minute

	// A task with no status update for this long is reconciled.
	RunningReconciliationThreshold = 10 * time.Minute
	StagingReconciliationThreshold = 30 * time.Second

	TaskIDPrefix = "batchflow"
)

// JobTaskID names a task of a job execution. attempt is bumped each time a lost task is relaunched.
func JobTaskID(jobExeID int64, role Role, attempt int) string {
	return fmt.Sprintf("%s_job_%d_%s_%d", TaskIDPrefix, jobExeID, role, attempt)
}

// NodeTaskID names a cleanup, health or pull task of a node.
func NodeTaskID(role Role, agentID string) string {
	return fmt.Sprintf("%s_%s_%s_%s", TaskIDPrefix, role, agentID, util.NewShortID())
}

// ParseJobExeID extracts the job execution id from a task id made by JobTaskID.
func ParseJobExeID(taskID string) (int64, bool) {
	parts := strings.Split(taskID, "_")
	if len(parts) != 5 || parts[0] != TaskIDPrefix || parts[1] != "job" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Config describes a task to create.
type Config struct {
	ID             string
	Name           string
	AgentID        string
	Role           Role
	Capability     Capability
	JobExeID       int64
	DockerImage    string
	Command        string
	Args           []string
	StagingTimeout time.Duration
	RunningTimeout time.Duration
}

// Task is one unit of work run by the cluster manager on an agent. Behaviour that differs between roles lives
// in the task's Capability. A task is safe for concurrent use.
type Task struct {
	mu sync.Mutex

	id             string
	name           string
	agentID        string
	role           Role
	capability     Capability
	jobExeID       int64
	dockerImage    string
	command        string
	args           []string
	stagingTimeout time.Duration
	runningTimeout time.Duration

	launched            bool
	launchedTime        time.Time
	lastStatusUpdate    time.Time
	started             time.Time
	ended               time.Time
	hasStarted          bool
	hasEnded            bool
	hasTimedOut         bool
	needsKilled         bool
	forceReconciliation bool
	status              TaskStatus
	finalStatus         TaskStatus
	exitCode            *int
	err                 *errorcatalog.Error
}

func NewTask(cfg Config) *Task {
	if cfg.Capability == nil {
		cfg.Capability = NodeCapability()
	}
	if cfg.StagingTimeout == 0 {
		cfg.StagingTimeout = DefaultStagingTimeout
	}
	if cfg.RunningTimeout == 0 {
		cfg.RunningTimeout = DefaultRunningTimeout
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Role)
	}
	return &Task{
		id:             cfg.ID,
		name:           cfg.Name,
		agentID:        cfg.AgentID,
		role:           cfg.Role,
		capability:     cfg.Capability,
		jobExeID:       cfg.JobExeID,
		dockerImage:    cfg.DockerImage,
		command:        cfg.Command,
		args:           cfg.Args,
		stagingTimeout: cfg.StagingTimeout,
		runningTimeout: cfg.RunningTimeout,
	}
}

// Relaunchable returns a fresh, never launched copy of t under a new id.
func (t *Task) Relaunchable(id string) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return NewTask(Config{
		ID:             id,
		Name:           t.name,
		AgentID:        t.agentID,
		Role:           t.role,
		Capability:     t.capability,
		JobExeID:       t.jobExeID,
		DockerImage:    t.dockerImage,
		Command:        t.command,
		Args:           t.args,
		StagingTimeout: t.stagingTimeout,
		RunningTimeout: t.runningTimeout,
	})
}

func (t *Task) ID() string         { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Role() Role         { return t.role }
func (t *Task) JobExeID() int64    { return t.jobExeID }
func (t *Task) AgentID() string    { return t.agentID }
func (t *Task) GetAgentID() string { return t.agentID }

func (t *Task) DockerImage() string { return t.dockerImage }
func (t *Task) Command() string     { return t.command }

func (t *Task) Args() []string {
	return append([]string(nil), t.args...)
}

func (t *Task) GetResources() *resources.NodeResources {
	return t.capability.GetResources()
}

// Launch records that the task was handed to the cluster manager. A task is launched at most once.
func (t *Task) Launch(when time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.launched {
		return errors.Errorf("task %s has already been launched", t.id)
	}
	t.launched = true
	t.launchedTime = when
	t.lastStatusUpdate = when
	return nil
}

// Update applies a status update. Updates for another task and updates to a task that has ended are ignored;
// the return value says whether the update was applied.
func (t *Task) Update(update *TaskStatusUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if update.TaskID != t.id || t.hasEnded {
		return false
	}
	t.forceReconciliation = false
	t.status = update.Status
	t.lastStatusUpdate = update.Timestamp

	switch {
	case update.Status == Running:
		if !t.hasStarted {
			t.hasStarted = true
			t.started = update.Timestamp
		}
	case update.Status == Lost:
		// The cluster manager has forgotten the task, so it goes back to never having been launched
		t.launched = false
		t.launchedTime = time.Time{}
		t.lastStatusUpdate = time.Time{}
		t.hasStarted = false
		t.started = time.Time{}
		t.needsKilled = false
	case update.Status.IsTerminal():
		t.hasEnded = true
		t.ended = update.Timestamp
		t.finalStatus = update.Status
		if update.ExitCode != nil {
			exitCode := *update.ExitCode
			t.exitCode = &exitCode
		}
		if t.err == nil {
			t.err = t.capability.DetermineError(update, t.hasStarted)
		}
	}
	return true
}

// DetermineError classifies an update against the task's current state without applying it.
func (t *Task) DetermineError(update *TaskStatusUpdate) *errorcatalog.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if update.TaskID != t.id {
		return nil
	}
	return t.capability.DetermineError(update, t.hasStarted)
}

// CheckTimeout times the task out if it has been staging or running too long. Returns true only on the call
// that timed it out.
func (t *Task) CheckTimeout(when time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.launched || t.hasTimedOut || t.hasEnded {
		return false
	}
	var timedOut bool
	if t.hasStarted {
		timedOut = t.runningTimeout > 0 && when.Sub(t.started) > t.runningTimeout
	} else {
		timedOut = t.stagingTimeout > 0 && when.Sub(t.launchedTime) > t.stagingTimeout
	}
	if !timedOut {
		return false
	}
	t.hasTimedOut = true
	t.needsKilled = true
	t.err = t.capability.TimeoutError(t.hasStarted)
	return true
}

// ForceKill asks for the task to be killed on the next kill sweep.
func (t *Task) ForceKill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.launched && !t.hasEnded {
		t.needsKilled = true
	}
}

func (t *Task) ForceReconciliation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forceReconciliation = true
}

// NeedsKilled is never true for a task that is not running on the cluster.
func (t *Task) NeedsKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.launched && !t.hasEnded && t.needsKilled
}

// NeedsReconciliation is true for a launched task that was forced, or that has not heard from the cluster
// manager for longer than its threshold.
func (t *Task) NeedsReconciliation(when time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.launched || t.hasEnded {
		return false
	}
	if t.forceReconciliation {
		return true
	}
	threshold := StagingReconciliationThreshold
	if t.hasStarted {
		threshold = RunningReconciliationThreshold
	}
	return when.Sub(t.lastStatusUpdate) > threshold
}

func (t *Task) HasBeenLaunched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.launched
}

func (t *Task) HasStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasStarted
}

func (t *Task) HasEnded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasEnded
}

func (t *Task) HasTimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasTimedOut
}

// Error is the error the task ended with, or the timeout error once it has timed out.
func (t *Task) Error() *errorcatalog.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Info is a point in time copy of a task's state.
type Info struct {
	ID                  string
	Name                string
	AgentID             string
	Role                Role
	JobExeID            int64
	Launched            bool
	LaunchedTime        time.Time
	LastStatusUpdate    time.Time
	Started             time.Time
	Ended               time.Time
	HasStarted          bool
	HasEnded            bool
	HasTimedOut         bool
	NeedsKilled         bool
	ForceReconciliation bool
	Status              TaskStatus
	FinalStatus         TaskStatus
	ExitCode            *int
	Error               *errorcatalog.Error
}

func (t *Task) Snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:                  t.id,
		Name:                t.name,
		AgentID:             t.agentID,
		Role:                t.role,
		JobExeID:            t.jobExeID,
		Launched:            t.launched,
		LaunchedTime:        t.launchedTime,
		LastStatusUpdate:    t.lastStatusUpdate,
		Started:             t.started,
		Ended:               t.ended,
		HasStarted:          t.hasStarted,
		HasEnded:            t.hasEnded,
		HasTimedOut:         t.hasTimedOut,
		NeedsKilled:         t.needsKilled,
		ForceReconciliation: t.forceReconciliation,
		Status:              t.status,
		FinalStatus:         t.finalStatus,
		Error:               t.err,
	}
	if t.exitCode != nil {
		exitCode := *t.exitCode
		info.ExitCode = &exitCode
	}
	if t.err != nil {
		e := *t.err
		info.Error = &e
	}
	return info
}
