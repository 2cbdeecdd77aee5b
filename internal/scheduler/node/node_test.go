package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/batchflow/internal/scheduler/cluster"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

func testModel() *store.Node {
	return &store.Node{ID: 1, Hostname: "host-1", IsActive: true}
}

func finish(node *Node, task *tasks.Task, status tasks.TaskStatus, when time.Time, exitCode int) {
	node.HandleTaskUpdate(tasks.NewTaskStatusUpdate(task.ID(), task.AgentID(), status, when).WithExitCode(exitCode))
}

func TestNode_State(t *testing.T) {
	tests := map[string]struct {
		agentID         string
		model           store.Node
		schedulerPaused bool
		initialCleanup  bool
		image           string
		expected        State
	}{
		"deprecated":        {agentID: "a", model: store.Node{IsActive: false}, expected: Deprecated},
		"offline":           {model: store.Node{IsActive: true}, expected: Offline},
		"paused":            {agentID: "a", model: store.Node{IsActive: true, IsPaused: true}, expected: Paused},
		"scheduler stopped": {agentID: "a", model: store.Node{IsActive: true}, schedulerPaused: true, expected: SchedulerStopped},
		"initial cleanup":   {agentID: "a", model: store.Node{IsActive: true}, expected: InitialCleanup},
		"image pull":        {agentID: "a", model: store.Node{IsActive: true}, initialCleanup: true, image: "img", expected: ImagePull},
		"ready":             {agentID: "a", model: store.Node{IsActive: true}, initialCleanup: true, expected: Ready},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			model := tc.model
			node := NewNode(tc.agentID, &model, tc.schedulerPaused, Config{Image: tc.image})
			if tc.initialCleanup {
				node.InitialCleanupCompleted()
			}
			assert.Equal(t, tc.expected, node.State())
			assert.Equal(t, tc.expected == Ready, node.IsReadyForNewJob())
		})
	}
}

func TestNode_ImagePull(t *testing.T) {
	node := NewNode("agent-1", testModel(), false, Config{Image: "batchflow:1.0"})
	node.InitialCleanupCompleted()
	require.Equal(t, ImagePull, node.State())
	assert.False(t, node.IsReadyForNextJobTask())

	next := node.GetNextTasks(baseTime)
	require.Len(t, next, 2)
	health, pull := next[0], next[1]
	assert.Equal(t, tasks.RoleHealth, health.Role())
	assert.Equal(t, tasks.RolePull, pull.Role())
	assert.Equal(t, []string{"batchflow:1.0"}, pull.Args())

	require.NoError(t, pull.Launch(baseTime))
	finish(node, pull, tasks.Failed, baseTime, 1)
	assert.Equal(t, Degraded, node.State())
	require.Len(t, node.Snapshot().Errors, 1)
	assert.Equal(t, ImagePullErr.Name, node.Snapshot().Errors[0].Name)

	// The pull is retried once the error threshold has passed
	assert.Len(t, node.GetNextTasks(baseTime.Add(time.Minute)), 1, "only the health check")
	retry := node.GetNextTasks(baseTime.Add(6 * time.Minute))
	require.Len(t, retry, 2)
	pull = retry[1]
	require.NoError(t, pull.Launch(baseTime))
	finish(node, pull, tasks.Finished, baseTime.Add(7*time.Minute), 0)
	assert.Equal(t, Ready, node.State())
	assert.True(t, node.IsReadyForNextJobTask())
}

func TestNode_HealthCheck(t *testing.T) {
	tests := map[string]struct {
		exitCode      int
		expectedError string
		cleanupReady  bool
	}{
		"bad daemon":       {exitCode: HealthBadDaemonCode, expectedError: BadDaemonErr.Name},
		"low docker space": {exitCode: HealthLowDockerSpaceCode, expectedError: LowDockerSpaceErr.Name, cleanupReady: true},
		"bad logstash":     {exitCode: HealthBadLogstashCode, expectedError: BadLogstashErr.Name, cleanupReady: true},
		"unknown":          {exitCode: 99, expectedError: HealthFailErr.Name, cleanupReady: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			node := NewNode("agent-1", testModel(), false, Config{})
			next := node.GetNextTasks(baseTime)
			require.Len(t, next, 1)
			health := next[0]
			require.NoError(t, health.Launch(baseTime))
			assert.Empty(t, node.GetNextTasks(baseTime), "health check is running")

			finish(node, health, tasks.Failed, baseTime, tc.exitCode)
			assert.Equal(t, Degraded, node.State())
			errs := node.Snapshot().Errors
			require.Len(t, errs, 1)
			assert.Equal(t, tc.expectedError, errs[0].Name)
			assert.Equal(t, tc.cleanupReady, node.IsReadyForCleanupTask(baseTime))

			// A failing node is checked again after the shorter error threshold
			assert.Empty(t, node.GetNextTasks(baseTime.Add(time.Minute)))
			next = node.GetNextTasks(baseTime.Add(3 * time.Minute))
			require.Len(t, next, 1)
			require.NoError(t, next[0].Launch(baseTime.Add(3*time.Minute)))
			finish(node, next[0], tasks.Finished, baseTime.Add(3*time.Minute), 0)
			assert.Empty(t, node.Snapshot().Errors)
			assert.Equal(t, InitialCleanup, node.State())

			// A healthy node waits the normal threshold
			assert.Empty(t, node.GetNextTasks(baseTime.Add(7*time.Minute)))
			assert.Len(t, node.GetNextTasks(baseTime.Add(9*time.Minute)), 1)
		})
	}
}

func TestNode_HealthTaskTimeout(t *testing.T) {
	node := NewNode("agent-1", testModel(), false, Config{})
	health := node.GetNextTasks(baseTime)[0]
	require.NoError(t, health.Launch(baseTime))
	node.HandleTaskTimeout(health, baseTime.Add(time.Minute))
	assert.Equal(t, Degraded, node.State())
	assert.Equal(t, HealthTimeoutErr.Name, node.Snapshot().Errors[0].Name)

	// The health check stays until its kill is confirmed
	assert.Empty(t, node.GetNextTasks(baseTime.Add(time.Hour)))
	node.HandleTaskUpdate(tasks.NewTaskStatusUpdate(health.ID(), "agent-1", tasks.Killed, baseTime.Add(2*time.Minute)))
	assert.Len(t, node.GetNextTasks(baseTime.Add(time.Hour)), 1)
}

func TestNode_CleanupFailureBlocksCleanupForAWhile(t *testing.T) {
	node := NewNode("agent-1", testModel(), false, Config{})
	assert.True(t, node.IsReadyForCleanupTask(baseTime))
	node.CleanupTaskFailed(baseTime)
	assert.Equal(t, Degraded, node.State())
	assert.False(t, node.IsReadyForCleanupTask(baseTime.Add(time.Minute)))
	assert.True(t, node.IsReadyForCleanupTask(baseTime.Add(3*time.Minute)))
	node.CleanupTaskCompleted()
	assert.Equal(t, InitialCleanup, node.State())
}

func TestNode_OfflineResets(t *testing.T) {
	node := NewNode("agent-1", testModel(), false, Config{})
	node.InitialCleanupCompleted()
	require.Equal(t, Ready, node.State())

	node.UpdateFromCluster("", false)
	assert.Equal(t, Offline, node.State())
	assert.False(t, node.IsInitialCleanupCompleted())
	assert.Empty(t, node.GetNextTasks(baseTime))

	node.UpdateFromCluster("agent-2", true)
	assert.Equal(t, "agent-2", node.AgentID())
	assert.Equal(t, InitialCleanup, node.State())
	next := node.GetNextTasks(baseTime)
	require.Len(t, next, 1)
	assert.Equal(t, "agent-2", next[0].AgentID())
}

func agent(id, hostname string) cluster.Agent {
	return cluster.Agent{AgentID: id, Hostname: hostname}
}

func TestManager_SyncWithDatabase(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	err = st.Update(ctx, func(tx store.Tx) error {
		return store.Insert(ctx, tx,
			&store.Node{Hostname: "host-1", IsActive: true, IsPaused: true},
			&store.Node{Hostname: "host-db-only", IsActive: true},
			&store.Node{Hostname: "host-retired", IsActive: false},
		)
	})
	require.NoError(t, err)

	m := NewManager(Config{}, clock.NewFakeClock(baseTime))
	m.RegisterAgents([]cluster.Agent{agent("agent-1", "host-1"), agent("agent-2", "host-2"), agent("agent-3", "host-3")})
	assert.Nil(t, m.GetNode("agent-1"), "agents become nodes on sync")
	m.LostNode("agent-3")
	require.NoError(t, m.SyncWithDatabase(ctx, st))

	nodes := m.GetNodes()
	var hostnames []string
	for _, node := range nodes {
		hostnames = append(hostnames, node.Hostname())
	}
	assert.Equal(t, []string{"host-1", "host-2", "host-db-only"}, hostnames)

	node1 := m.GetNode("agent-1")
	require.NotNil(t, node1)
	assert.Equal(t, Paused, node1.State())
	assert.Equal(t, InitialCleanup, m.GetNode("agent-2").State())
	assert.Equal(t, Offline, nodes[2].State())

	// host-2 was recorded in the database
	err = st.View(ctx, func(tx store.Tx) error {
		model, err := store.GetNodeByHostname(ctx, tx, "host-2")
		require.NotNil(t, model)
		assert.True(t, model.IsActive)
		return err
	})
	require.NoError(t, err)
}

func TestManager_AgentChangesAndLoss(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	m := NewManager(Config{}, clock.NewFakeClock(baseTime))
	m.RegisterAgents([]cluster.Agent{agent("agent-1", "host-1")})
	require.NoError(t, m.SyncWithDatabase(ctx, st))
	node := m.GetNode("agent-1")
	require.NotNil(t, node)

	lost := m.LostNode("agent-1")
	assert.Same(t, node, lost)
	assert.Equal(t, Offline, node.State())

	// The host comes back under a new agent id
	m.RegisterAgents([]cluster.Agent{agent("agent-9", "host-1")})
	require.NoError(t, m.SyncWithDatabase(ctx, st))
	assert.Same(t, node, m.GetNode("agent-9"))
	assert.Nil(t, m.GetNode("agent-1"))
	assert.Equal(t, InitialCleanup, node.State())

	// A known agent re-registering brings its node straight back online
	m.LostNode("agent-9")
	m.RegisterAgents([]cluster.Agent{agent("agent-9", "host-1")})
	assert.Equal(t, InitialCleanup, node.State())
}

func TestManager_RoutesTaskUpdates(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	m := NewManager(Config{}, clock.NewFakeClock(baseTime))
	m.RegisterAgents([]cluster.Agent{agent("agent-1", "host-1"), agent("agent-2", "host-2")})
	require.NoError(t, m.SyncWithDatabase(ctx, st))

	next := m.GetNextTasks(baseTime)
	require.Len(t, next, 2)
	for _, task := range next {
		require.NoError(t, task.Launch(baseTime))
	}
	m.HandleTaskUpdate(tasks.NewTaskStatusUpdate(next[0].ID(), next[0].AgentID(), tasks.Failed, baseTime).WithExitCode(99))
	status := m.GenerateStatus()
	require.Len(t, status, 2)
	assert.Equal(t, Degraded, status[0].State)
	assert.Equal(t, InitialCleanup, status[1].State)

	m.HandleTaskTimeout(next[1], baseTime.Add(time.Minute))
	assert.Equal(t, Degraded, m.GetNode(next[1].AgentID()).State())
}
