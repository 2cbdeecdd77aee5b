package cleanup

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/batchflow/internal/scheduler/tasks"
)

const (
	// Command run by cleanup tasks.
	Command = "batchflow-cleanup"
	// Passed to the initial cleanup task, which removes every container a previous scheduler left behind.
	InitialCleanupArg = "--all"
)

// Node is the view of a scheduler node that cleanup needs.
type Node interface {
	ID() int64
	AgentID() string
	Hostname() string
	IsReadyForCleanupTask(when time.Time) bool
	IsInitialCleanupCompleted() bool
	InitialCleanupCompleted()
	CleanupTaskCompleted()
	CleanupTaskFailed(when time.Time)
}

// JobExecution is a finished execution whose containers need removing.
type JobExecution interface {
	ID() int64
	NodeID() int64
	GetContainerNames() []string
}

// NodeCleanup batches the job executions finished on one node into cleanup tasks. At most one cleanup task
// exists per node at a time. It is safe for concurrent use.
type NodeCleanup struct {
	mu      sync.Mutex
	node    Node
	image   string
	jobExes map[int64]JobExecution

	task        *tasks.Task
	taskInitial bool
	taskJobExes []int64
}

func NewNodeCleanup(node Node, image string) *NodeCleanup {
	return &NodeCleanup{
		node:    node,
		image:   image,
		jobExes: map[int64]JobExecution{},
	}
}

// AddJobExecution queues a finished execution to be cleaned up.
func (c *NodeCleanup) AddJobExecution(jobExe JobExecution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobExes[jobExe.ID()] = jobExe
}

// GetNumJobExes is the number of executions waiting to be cleaned up.
func (c *NodeCleanup) GetNumJobExes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobExes)
}

// GetNextTask returns the cleanup task to launch next. It returns nil when the node cannot take a cleanup task,
// when the current task is already on the cluster, or when there is nothing to clean.
func (c *NodeCleanup) GetNextTask(when time.Time) *tasks.Task {
	ready := c.node.IsReadyForCleanupTask(when)
	agentID := c.node.AgentID()
	initialCompleted := c.node.IsInitialCleanupCompleted()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != nil && c.task.AgentID() != agentID {
		// A task for the node's previous agent will never be acknowledged by the new one
		c.clearTask()
	}
	if !ready {
		return nil
	}
	if c.task != nil {
		if c.task.HasBeenLaunched() {
			return nil
		}
		return c.task
	}

	switch {
	case !initialCompleted:
		c.createTask(agentID, true, nil, []string{InitialCleanupArg})
	case len(c.jobExes) > 0:
		ids := maps.Keys(c.jobExes)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var containers []string
		for _, id := range ids {
			containers = append(containers, c.jobExes[id].GetContainerNames()...)
		}
		c.createTask(agentID, false, ids, containers)
	}
	return c.task
}

func (c *NodeCleanup) createTask(agentID string, initial bool, jobExes []int64, args []string) {
	c.task = tasks.NewTask(tasks.Config{
		ID:          tasks.NodeTaskID(tasks.RoleCleanup, agentID),
		AgentID:     agentID,
		Role:        tasks.RoleCleanup,
		DockerImage: c.image,
		Command:     Command,
		Args:        args,
	})
	c.taskInitial = initial
	c.taskJobExes = jobExes
}

func (c *NodeCleanup) clearTask() {
	c.task = nil
	c.taskInitial = false
	c.taskJobExes = nil
}

// IsInitialTask reports whether the current task is the node's initial cleanup.
func (c *NodeCleanup) IsInitialTask() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil && c.taskInitial
}

// TaskJobExeIDs returns the executions the current task cleans up.
func (c *NodeCleanup) TaskJobExeIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.taskJobExes...)
}

// HandleTaskUpdate applies an update for the node's cleanup task. Returns false if the update is for some other
// task.
func (c *NodeCleanup) HandleTaskUpdate(update *tasks.TaskStatusUpdate) bool {
	c.mu.Lock()
	if c.task == nil || c.task.ID() != update.TaskID {
		c.mu.Unlock()
		return false
	}
	c.task.Update(update)
	initial := c.taskInitial
	var completed, failed bool
	switch update.Status {
	case tasks.Finished:
		for _, id := range c.taskJobExes {
			delete(c.jobExes, id)
		}
		c.clearTask()
		completed = true
	case tasks.Failed:
		// The executions stay queued and are retried by the next task
		c.clearTask()
		failed = true
	case tasks.Killed:
		c.clearTask()
	case tasks.Lost:
		// Lost tasks return to their unlaunched state and are launched again as they are
	}
	c.mu.Unlock()

	switch {
	case completed && initial:
		c.node.InitialCleanupCompleted()
		c.node.CleanupTaskCompleted()
	case completed:
		c.node.CleanupTaskCompleted()
	case failed:
		log.Warnf("cleanup task %s on node %s failed", update.TaskID, c.node.Hostname())
		c.node.CleanupTaskFailed(update.Timestamp)
	}
	return true
}

// Reset forgets the current task and the queued executions. The node's next initial cleanup removes whatever
// they left behind.
func (c *NodeCleanup) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearTask()
	c.jobExes = map[int64]JobExecution{}
}
