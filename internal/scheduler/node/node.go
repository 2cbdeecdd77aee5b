package node

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

// State is the scheduling state of a node. States are listed in priority order: the first that applies wins.
type State string

const (
	Deprecated       State = "DEPRECATED"
	Offline          State = "OFFLINE"
	Paused           State = "PAUSED"
	SchedulerStopped State = "SCHEDULER_STOPPED"
	Degraded         State = "DEGRADED"
	InitialCleanup   State = "INITIAL_CLEANUP"
	ImagePull        State = "IMAGE_PULL"
	Ready            State = "READY"
)

const (
	// How long after a failed node task the next one may be scheduled.
	CleanupErrThreshold   = 2 * time.Minute
	HealthErrThreshold    = 2 * time.Minute
	ImagePullErrThreshold = 5 * time.Minute

	// How often a healthy node is checked.
	NormalHealthThreshold = 5 * time.Minute

	HealthCommand = "batchflow-health"
	PullCommand   = "batchflow-pull"
)

// Config holds the settings shared by every node.
type Config struct {
	// Image pulled onto each node before it runs jobs. Nothing is pulled when empty.
	Image string
}

// Node combines a node record with what the cluster manager says about it. It is safe for concurrent use.
type Node struct {
	mu sync.Mutex

	id       int64
	hostname string
	config   Config

	agentID              string
	isActive             bool
	isOnline             bool
	isPaused             bool
	isSchedulerPaused    bool
	isInitialCleanupDone bool
	isImagePulled        bool
	lastHealthTask       time.Time
	healthTask           *tasks.Task
	pullTask             *tasks.Task
	conditions           *conditions
	state                State
}

// NewNode creates a node from its record. An empty agentID means the node is not currently online.
func NewNode(agentID string, model *store.Node, schedulerPaused bool, config Config) *Node {
	n := &Node{
		id:                model.ID,
		hostname:          model.Hostname,
		config:            config,
		agentID:           agentID,
		isActive:          model.IsActive,
		isOnline:          agentID != "",
		isPaused:          model.IsPaused,
		isSchedulerPaused: schedulerPaused,
		conditions:        newConditions(model.Hostname),
	}
	n.isImagePulled = config.Image == ""
	n.updateState()
	return n
}

func (n *Node) ID() int64        { return n.id }
func (n *Node) Hostname() string { return n.hostname }

func (n *Node) AgentID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.agentID
}

func (n *Node) IsActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isActive
}

func (n *Node) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isOnline
}

func (n *Node) IsPaused() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isPaused
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) IsInitialCleanupCompleted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isInitialCleanupDone
}

// InitialCleanupCompleted records that the node's initial cleanup task succeeded.
func (n *Node) InitialCleanupCompleted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	log.Infof("node %s has completed initial cleanup", n.hostname)
	n.isInitialCleanupDone = true
	n.updateState()
}

func (n *Node) CleanupTaskCompleted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conditions.handleCleanupTaskCompleted()
	n.updateState()
}

func (n *Node) CleanupTaskFailed(when time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conditions.handleCleanupTaskFailed(when)
	n.updateState()
}

// IsReadyForNewJob reports whether a new job execution may be scheduled on the node.
func (n *Node) IsReadyForNewJob() bool {
	return n.State() == Ready
}

// IsReadyForNextJobTask reports whether executions already on the node may launch their next task.
func (n *Node) IsReadyForNextJobTask() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state != Deprecated && n.state != Offline && n.isImagePulled
}

// IsReadyForCleanupTask reports whether a cleanup task may run on the node. A degraded node still cleans up
// unless its daemon is down or its last cleanup failed recently.
func (n *Node) IsReadyForCleanupTask(when time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isReadyForCleanupTask(when)
}

func (n *Node) isReadyForCleanupTask(when time.Time) bool {
	switch n.state {
	case InitialCleanup, ImagePull, Ready:
		return true
	case Degraded:
		if n.conditions.isDaemonBad {
			return false
		}
		lastErr := n.conditions.lastError(CleanupErr)
		return lastErr.IsZero() || when.Sub(lastErr) > CleanupErrThreshold
	}
	return false
}

func (n *Node) isReadyForHealthTask(when time.Time) bool {
	if n.state == Deprecated || n.state == Offline {
		return false
	}
	if n.lastHealthTask.IsZero() {
		return true
	}
	threshold := NormalHealthThreshold
	if !n.conditions.isHealthCheckNormal {
		threshold = HealthErrThreshold
	}
	return when.Sub(n.lastHealthTask) > threshold
}

func (n *Node) isReadyForPullTask(when time.Time) bool {
	switch n.state {
	case ImagePull:
		return true
	case Degraded:
		if !n.isInitialCleanupDone || n.isImagePulled || n.conditions.isPullBad {
			return false
		}
		lastErr := n.conditions.lastError(ImagePullErr)
		return lastErr.IsZero() || when.Sub(lastErr) > ImagePullErrThreshold
	}
	return false
}

// GetNextTasks returns the health check and image pull tasks the node is ready to launch.
func (n *Node) GetNextTasks(when time.Time) []*tasks.Task {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.healthTask != nil && n.healthTask.AgentID() != n.agentID {
		n.healthTask = nil
	}
	if n.healthTask == nil && n.isReadyForHealthTask(when) {
		n.healthTask = n.newTask(tasks.RoleHealth, HealthCommand)
	}
	if n.pullTask != nil && n.pullTask.AgentID() != n.agentID {
		n.pullTask = nil
	}
	if n.pullTask == nil && n.isReadyForPullTask(when) {
		n.pullTask = n.newTask(tasks.RolePull, PullCommand)
	}

	var result []*tasks.Task
	if n.healthTask != nil && !n.healthTask.HasBeenLaunched() && n.isReadyForHealthTask(when) {
		result = append(result, n.healthTask)
	}
	if n.pullTask != nil && !n.pullTask.HasBeenLaunched() && n.isReadyForPullTask(when) {
		result = append(result, n.pullTask)
	}
	return result
}

func (n *Node) newTask(role tasks.Role, command string) *tasks.Task {
	var args []string
	if role == tasks.RolePull {
		args = []string{n.config.Image}
	}
	return tasks.NewTask(tasks.Config{
		ID:          tasks.NodeTaskID(role, n.agentID),
		AgentID:     n.agentID,
		Role:        role,
		DockerImage: n.config.Image,
		Command:     command,
		Args:        args,
	})
}

// HandleTaskUpdate applies an update for one of the node's health or pull tasks.
func (n *Node) HandleTaskUpdate(update *tasks.TaskStatusUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.healthTask != nil && n.healthTask.ID() == update.TaskID:
		n.healthTask.Update(update)
		switch update.Status {
		case tasks.Finished:
			n.lastHealthTask = update.Timestamp
			n.conditions.handleHealthTaskCompleted()
		case tasks.Failed:
			log.Warnf("health check task on node %s failed", n.hostname)
			n.lastHealthTask = update.Timestamp
			n.conditions.handleHealthTaskFailed(update.ExitCode, update.Timestamp)
		case tasks.Killed:
			log.Warnf("health check task on node %s killed", n.hostname)
		case tasks.Lost:
			log.Warnf("health check task on node %s lost", n.hostname)
			n.healthTask = nil
		}
		if n.healthTask != nil && n.healthTask.HasEnded() {
			n.healthTask = nil
		}
	case n.pullTask != nil && n.pullTask.ID() == update.TaskID:
		n.pullTask.Update(update)
		switch update.Status {
		case tasks.Finished:
			log.Infof("node %s has finished pulling %s", n.hostname, n.config.Image)
			n.isImagePulled = true
			n.conditions.handlePullTaskCompleted()
		case tasks.Failed:
			log.Warnf("image pull task on node %s failed", n.hostname)
			n.conditions.handlePullTaskFailed(update.Timestamp)
		case tasks.Killed:
			log.Warnf("image pull task on node %s killed", n.hostname)
		case tasks.Lost:
			log.Warnf("image pull task on node %s lost", n.hostname)
			n.pullTask = nil
		}
		if n.pullTask != nil && n.pullTask.HasEnded() {
			n.pullTask = nil
		}
	default:
		return
	}
	n.updateState()
}

// HandleTaskTimeout records that one of the node's tasks timed out. The task is dropped once its kill is
// confirmed.
func (n *Node) HandleTaskTimeout(task *tasks.Task, when time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.healthTask != nil && n.healthTask.ID() == task.ID():
		log.Warnf("health check task on node %s timed out", n.hostname)
		if n.healthTask.HasEnded() {
			n.healthTask = nil
		}
		n.lastHealthTask = when
		n.conditions.handleHealthTaskTimeout(when)
	case n.pullTask != nil && n.pullTask.ID() == task.ID():
		log.Warnf("image pull task on node %s timed out", n.hostname)
		if n.pullTask.HasEnded() {
			n.pullTask = nil
		}
		n.conditions.handlePullTaskFailed(when)
	default:
		return
	}
	n.updateState()
}

// ShouldBeRemoved is true once the node is neither active nor online.
func (n *Node) ShouldBeRemoved() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.isActive && !n.isOnline
}

// UpdateFromCluster records a new agent id and whether the agent is online. A node that goes offline is reset so
// that it cleans up and pulls again when it returns.
func (n *Node) UpdateFromCluster(agentID string, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if agentID != "" {
		n.agentID = agentID
	}
	n.isOnline = online
	if !online {
		n.reset()
	}
	n.updateState()
}

// UpdateFromModel refreshes the node from its record. A deprecated node is reset.
func (n *Node) UpdateFromModel(model *store.Node, schedulerPaused bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isActive = model.IsActive
	n.isPaused = model.IsPaused
	n.isSchedulerPaused = schedulerPaused
	if !model.IsActive {
		n.reset()
	}
	n.updateState()
}

func (n *Node) reset() {
	n.healthTask = nil
	n.pullTask = nil
	n.isImagePulled = n.config.Image == ""
	n.isInitialCleanupDone = false
	n.lastHealthTask = time.Time{}
}

func (n *Node) updateState() {
	old := n.state
	switch {
	case !n.isActive:
		n.state = Deprecated
	case !n.isOnline:
		n.state = Offline
	case n.isPaused:
		n.state = Paused
	case n.isSchedulerPaused:
		n.state = SchedulerStopped
	case n.conditions.hasActiveErrors():
		n.state = Degraded
	case !n.isInitialCleanupDone:
		n.state = InitialCleanup
	case !n.isImagePulled:
		n.state = ImagePull
	default:
		n.state = Ready
	}
	if old != "" && old != n.state {
		entry := log.WithField("node", n.hostname)
		if n.state == Degraded {
			entry.Warnf("node is now %s", n.state)
		} else {
			entry.Infof("node is now %s", n.state)
		}
	}
}

// Info is a point in time copy of a node for status reporting.
type Info struct {
	ID       int64         `json:"id"`
	Hostname string        `json:"hostname"`
	AgentID  string        `json:"agent_id"`
	IsActive bool          `json:"is_active"`
	State    State         `json:"state"`
	Errors   []ActiveError `json:"errors"`
}

func (n *Node) Snapshot() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Info{
		ID:       n.id,
		Hostname: n.hostname,
		AgentID:  n.agentID,
		IsActive: n.isActive,
		State:    n.state,
		Errors:   n.conditions.errors(),
	}
}
