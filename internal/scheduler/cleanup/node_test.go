package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/scheduler/tasks"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

type testNode struct {
	id               int64
	agentID          string
	paused           bool
	initialCompleted bool
	failures         int
	completions      int
}

func (n *testNode) ID() int64                            { return n.id }
func (n *testNode) AgentID() string                      { return n.agentID }
func (n *testNode) Hostname() string                     { return "host-" + n.agentID }
func (n *testNode) IsReadyForCleanupTask(time.Time) bool { return !n.paused }
func (n *testNode) IsInitialCleanupCompleted() bool      { return n.initialCompleted }
func (n *testNode) InitialCleanupCompleted()             { n.initialCompleted = true }
func (n *testNode) CleanupTaskCompleted()                { n.completions++ }
func (n *testNode) CleanupTaskFailed(time.Time)          { n.failures++ }

type testJobExe struct {
	id     int64
	nodeID int64
}

func (e testJobExe) ID() int64     { return e.id }
func (e testJobExe) NodeID() int64 { return e.nodeID }
func (e testJobExe) GetContainerNames() []string {
	return []string{tasks.JobTaskID(e.id, tasks.RoleMain, 0)}
}

// sendUpdate applies an update the way the scheduler does, task manager first.
func sendUpdate(taskMgr *tasks.TaskManager, c *NodeCleanup, task *tasks.Task, status tasks.TaskStatus) {
	update := tasks.NewTaskStatusUpdate(task.ID(), task.AgentID(), status, baseTime)
	taskMgr.HandleTaskUpdate(update)
	c.HandleTaskUpdate(update)
}

func TestNodeCleanup_InitialCleanup(t *testing.T) {
	node := &testNode{id: 1, agentID: "agent-1"}
	c := NewNodeCleanup(node, "cleanup:latest")
	taskMgr := tasks.NewTaskManager()

	task := c.GetNextTask(baseTime)
	require.NotNil(t, task)
	assert.True(t, c.IsInitialTask())
	assert.Equal(t, "agent-1", task.AgentID())
	assert.Equal(t, tasks.RoleCleanup, task.Role())
	assert.Equal(t, []string{InitialCleanupArg}, task.Args())

	taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
	assert.Nil(t, c.GetNextTask(baseTime), "launched task has not been acknowledged")
	assert.False(t, node.IsInitialCleanupCompleted())

	sendUpdate(taskMgr, c, task, tasks.Running)
	assert.Nil(t, c.GetNextTask(baseTime))
	sendUpdate(taskMgr, c, task, tasks.Finished)
	assert.Nil(t, c.GetNextTask(baseTime))
	assert.True(t, node.IsInitialCleanupCompleted())
	assert.Equal(t, 1, node.completions)
}

func TestNodeCleanup_TaskEndsUnsuccessfully(t *testing.T) {
	tests := map[string]struct {
		status           tasks.TaskStatus
		expectedFailures int
	}{
		"failed": {status: tasks.Failed, expectedFailures: 1},
		"killed": {status: tasks.Killed},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			node := &testNode{id: 1, agentID: "agent-1"}
			c := NewNodeCleanup(node, "")
			taskMgr := tasks.NewTaskManager()

			task := c.GetNextTask(baseTime)
			require.NotNil(t, task)
			taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
			sendUpdate(taskMgr, c, task, tasks.Running)
			sendUpdate(taskMgr, c, task, tc.status)

			next := c.GetNextTask(baseTime)
			require.NotNil(t, next)
			assert.NotEqual(t, task.ID(), next.ID())
			assert.False(t, node.IsInitialCleanupCompleted())
			assert.Equal(t, tc.expectedFailures, node.failures)
		})
	}
}

func TestNodeCleanup_LostTaskIsReused(t *testing.T) {
	node := &testNode{id: 1, agentID: "agent-1"}
	c := NewNodeCleanup(node, "")
	taskMgr := tasks.NewTaskManager()

	task := c.GetNextTask(baseTime)
	require.NotNil(t, task)
	id := task.ID()

	// Lost before it was launched
	c.HandleTaskUpdate(tasks.NewTaskStatusUpdate(id, "agent-1", tasks.Lost, baseTime))
	task = c.GetNextTask(baseTime)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID())

	// Lost while staging
	taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
	sendUpdate(taskMgr, c, task, tasks.Lost)
	task = c.GetNextTask(baseTime)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID())

	// Lost while running
	taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
	sendUpdate(taskMgr, c, task, tasks.Running)
	sendUpdate(taskMgr, c, task, tasks.Lost)
	task = c.GetNextTask(baseTime)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID())
	assert.False(t, task.HasBeenLaunched())
	assert.False(t, node.IsInitialCleanupCompleted())
}

func TestNodeCleanup_RegularCleanup(t *testing.T) {
	node := &testNode{id: 1, agentID: "agent-1", initialCompleted: true}
	c := NewNodeCleanup(node, "")
	taskMgr := tasks.NewTaskManager()
	assert.Nil(t, c.GetNextTask(baseTime), "nothing to clean")

	c.AddJobExecution(testJobExe{id: 7, nodeID: 1})
	c.AddJobExecution(testJobExe{id: 3, nodeID: 1})
	task := c.GetNextTask(baseTime)
	require.NotNil(t, task)
	assert.False(t, c.IsInitialTask())
	assert.Equal(t, []int64{3, 7}, c.TaskJobExeIDs())
	assert.Equal(t, []string{tasks.JobTaskID(3, tasks.RoleMain, 0), tasks.JobTaskID(7, tasks.RoleMain, 0)}, task.Args())

	// Executions added while a task runs wait for the next task
	taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
	c.AddJobExecution(testJobExe{id: 9, nodeID: 1})
	sendUpdate(taskMgr, c, task, tasks.Running)
	sendUpdate(taskMgr, c, task, tasks.Finished)
	assert.Equal(t, 1, c.GetNumJobExes())

	task = c.GetNextTask(baseTime)
	require.NotNil(t, task)
	assert.Equal(t, []int64{9}, c.TaskJobExeIDs())
}

func TestNodeCleanup_FailedCleanupKeepsJobExes(t *testing.T) {
	node := &testNode{id: 1, agentID: "agent-1", initialCompleted: true}
	c := NewNodeCleanup(node, "")
	taskMgr := tasks.NewTaskManager()
	c.AddJobExecution(testJobExe{id: 3, nodeID: 1})

	task := c.GetNextTask(baseTime)
	require.NotNil(t, task)
	taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
	sendUpdate(taskMgr, c, task, tasks.Failed)

	assert.Equal(t, 1, c.GetNumJobExes())
	next := c.GetNextTask(baseTime)
	require.NotNil(t, next)
	assert.Equal(t, []int64{3}, c.TaskJobExeIDs())
}

func TestNodeCleanup_PausedNode(t *testing.T) {
	node := &testNode{id: 1, agentID: "agent-1", paused: true}
	c := NewNodeCleanup(node, "")
	assert.Nil(t, c.GetNextTask(baseTime))
}

func TestManager(t *testing.T) {
	m := NewManager("")
	taskMgr := tasks.NewTaskManager()
	assert.Empty(t, m.GetNextTasks(baseTime), "no nodes yet")

	node1 := &testNode{id: 1, agentID: "agent-1"}
	node2 := &testNode{id: 2, agentID: "agent-2"}
	m.AddJobExecution(testJobExe{id: 5, nodeID: 1})
	m.UpdateNodes([]Node{node1, node2})

	initial := m.GetNextTasks(baseTime)
	require.Len(t, initial, 2)
	for _, task := range initial {
		taskMgr.LaunchTasks([]*tasks.Task{task}, baseTime)
	}

	// Node 1 comes back under a new agent before its initial cleanup is acknowledged
	node1.agentID = "agent-3"
	m.UpdateNodes([]Node{node1, node2})
	next := m.GetNextTasks(baseTime)
	require.Len(t, next, 1)
	assert.Equal(t, "agent-3", next[0].AgentID())

	// The old agent's task is ignored
	m.HandleTaskUpdate(tasks.NewTaskStatusUpdate(initial[0].ID(), "agent-1", tasks.Failed, baseTime))
	assert.Equal(t, 0, node1.failures)

	update := tasks.NewTaskStatusUpdate(next[0].ID(), "agent-3", tasks.Finished, baseTime)
	taskMgr.LaunchTasks(next, baseTime)
	taskMgr.HandleTaskUpdate(update)
	m.HandleTaskUpdate(update)
	assert.True(t, node1.IsInitialCleanupCompleted())

	// The execution finished before the node was known is cleaned up now
	jobTasks := m.GetNextTasks(baseTime)
	require.Len(t, jobTasks, 1)
	assert.Equal(t, "agent-3", jobTasks[0].AgentID())
	assert.Equal(t, map[int64]int{1: 1, 2: 0}, m.GetNumJobExes())

	m.UpdateNodes([]Node{node2})
	assert.Equal(t, map[int64]int{2: 0}, m.GetNumJobExes())
}
