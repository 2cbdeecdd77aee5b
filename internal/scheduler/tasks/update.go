package tasks

import (
	"regexp"
	"strconv"
	"time"

	"github.com/G-Research/batchflow/internal/common/stringinterner"
)

type TaskStatus string

const (
	Staging  TaskStatus = "STAGING"
	Running  TaskStatus = "RUNNING"
	Finished TaskStatus = "FINISHED"
	Failed   TaskStatus = "FAILED"
	Killed   TaskStatus = "KILLED"
	Lost     TaskStatus = "LOST"
	Unknown  TaskStatus = "UNKNOWN"
)

// IsTerminal is true for the statuses a task can never leave. LOST is not terminal: a lost task may be
// relaunched.
func (s TaskStatus) IsTerminal() bool {
	return s == Finished || s == Failed || s == Killed
}

// TaskStatusUpdate is one status report for a task, decoded from the cluster manager.
type TaskStatusUpdate struct {
	TaskID    string
	AgentID   string
	Status    TaskStatus
	Timestamp time.Time
	ExitCode  *int
	Source    string
	Reason    string
	Message   string
}

func NewTaskStatusUpdate(taskID, agentID string, status TaskStatus, when time.Time) *TaskStatusUpdate {
	return &TaskStatusUpdate{TaskID: taskID, AgentID: agentID, Status: status, Timestamp: when}
}

// WithExitCode returns the update with its exit code set.
func (u *TaskStatusUpdate) WithExitCode(exitCode int) *TaskStatusUpdate {
	u.ExitCode = &exitCode
	return u
}

// RawTaskStatus is a status callback as delivered by the cluster manager client.
type RawTaskStatus struct {
	TaskID    string
	AgentID   string
	State     string
	Timestamp time.Time
	Source    string
	Reason    string
	Message   string
	ExitCode  *int
}

var clusterStates = map[string]TaskStatus{
	"TASK_STAGING":          Staging,
	"TASK_STARTING":         Staging,
	"TASK_RUNNING":          Running,
	"TASK_KILLING":          Running,
	"TASK_FINISHED":         Finished,
	"TASK_FAILED":           Failed,
	"TASK_ERROR":            Failed,
	"TASK_KILLED":           Killed,
	"TASK_LOST":             Lost,
	"TASK_DROPPED":          Lost,
	"TASK_GONE":             Lost,
	"TASK_GONE_BY_OPERATOR": Lost,
	"TASK_UNREACHABLE":      Lost,
}

// StatusFromClusterState maps a cluster manager task state onto a TaskStatus. Unrecognised states decode to
// Unknown.
func StatusFromClusterState(state string) TaskStatus {
	if status, ok := clusterStates[state]; ok {
		return status
	}
	return Unknown
}

var exitCodePattern = regexp.MustCompile(`exited with status (-?\d+)`)

// ParseExitCode pulls the exit code out of a cluster manager status message such as
// "Command exited with status 3". Returns nil if the message carries none.
func ParseExitCode(message string) *int {
	match := exitCodePattern.FindStringSubmatch(message)
	if match == nil {
		return nil
	}
	exitCode, err := strconv.Atoi(match[1])
	if err != nil {
		return nil
	}
	return &exitCode
}

// UpdateDecoder turns raw status callbacks into TaskStatusUpdates, interning agent ids on the way.
type UpdateDecoder struct {
	interner *stringinterner.StringInterner
}

func NewUpdateDecoder(interner *stringinterner.StringInterner) *UpdateDecoder {
	return &UpdateDecoder{interner: interner}
}

func (d *UpdateDecoder) Decode(raw RawTaskStatus) *TaskStatusUpdate {
	update := &TaskStatusUpdate{
		TaskID:    raw.TaskID,
		AgentID:   d.interner.Intern(raw.AgentID),
		Status:    StatusFromClusterState(raw.State),
		Timestamp: raw.Timestamp,
		ExitCode:  raw.ExitCode,
		Source:    d.interner.Intern(raw.Source),
		Reason:    d.interner.Intern(raw.Reason),
		Message:   raw.Message,
	}
	if update.ExitCode == nil && update.Status.IsTerminal() {
		update.ExitCode = ParseExitCode(raw.Message)
	}
	if update.ExitCode == nil && update.Status == Finished {
		zero := 0
		update.ExitCode = &zero
	}
	return update
}
