package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	offers   []*resources.ResourceOffer
	statuses []tasks.RawTaskStatus
	lost     []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Offers:    func(offers []*resources.ResourceOffer) { r.offers = append(r.offers, offers...) },
		Status:    func(status tasks.RawTaskStatus) { r.statuses = append(r.statuses, status) },
		AgentLost: func(agentID string) { r.lost = append(r.lost, agentID) },
	}
}

func (r *recorder) states() []string {
	states := make([]string, 0, len(r.statuses))
	for _, s := range r.statuses {
		states = append(states, s.State)
	}
	return states
}

func newTestCluster() (*FakeCluster, *clock.FakeClock, *recorder) {
	fakeClock := clock.NewFakeClock(baseTime)
	agents := []Agent{
		{AgentID: "agent-1", Hostname: "host-1", Resources: resources.MustNodeResources(map[string]float64{resources.CPUs: 4, resources.Mem: 1024})},
	}
	c := NewFakeCluster(agents, FakeConfig{StartDelay: time.Second, RunDuration: time.Minute}, fakeClock)
	r := &recorder{}
	c.Register(r.callbacks())
	return c, fakeClock, r
}

func mainTask(id string, cpus float64) *tasks.Task {
	return tasks.NewTask(tasks.Config{
		ID:         id,
		AgentID:    "agent-1",
		Role:       tasks.RoleMain,
		Capability: tasks.PreCapability(nil, resources.MustNodeResources(map[string]float64{resources.CPUs: cpus})),
	})
}

func TestFakeCluster_TaskLifecycle(t *testing.T) {
	ctx := context.Background()
	c, fakeClock, r := newTestCluster()

	c.Tick(ctx)
	require.Len(t, r.offers, 1)
	assert.Equal(t, 4.0, r.offers[0].Resources.CPUs())

	// An agent with an outstanding offer is not offered again
	c.Tick(ctx)
	assert.Len(t, r.offers, 1)

	require.NoError(t, c.LaunchTasks(ctx, r.offers, []*tasks.Task{mainTask("t1", 1)}))
	assert.Equal(t, []string{stateStaging}, r.states())

	fakeClock.Step(time.Second)
	c.Tick(ctx)
	assert.Equal(t, []string{stateStaging, stateRunning}, r.states())
	require.Len(t, r.offers, 2)
	assert.Equal(t, 3.0, r.offers[1].Resources.CPUs())

	fakeClock.Step(time.Minute)
	c.Tick(ctx)
	assert.Equal(t, []string{stateStaging, stateRunning, stateFinished}, r.states())
	require.NotNil(t, r.statuses[2].ExitCode)
	assert.Equal(t, 0, *r.statuses[2].ExitCode)
}

func TestFakeCluster_ExitCode(t *testing.T) {
	ctx := context.Background()
	c, fakeClock, r := newTestCluster()
	c.SetExitCode("t1", 3)
	c.Tick(ctx)
	require.NoError(t, c.LaunchTasks(ctx, r.offers, []*tasks.Task{mainTask("t1", 1)}))
	fakeClock.Step(time.Second)
	c.Tick(ctx)
	fakeClock.Step(time.Minute)
	c.Tick(ctx)

	last := r.statuses[len(r.statuses)-1]
	assert.Equal(t, stateFailed, last.State)
	assert.Equal(t, "Command exited with status 3", last.Message)
}

func TestFakeCluster_LaunchErrors(t *testing.T) {
	ctx := context.Background()
	c, _, r := newTestCluster()
	assert.Error(t, c.LaunchTasks(ctx, nil, []*tasks.Task{mainTask("t1", 1)}))

	c.Tick(ctx)
	assert.Error(t, c.LaunchTasks(ctx, r.offers, []*tasks.Task{mainTask("t1", 5)}))
	assert.Error(t, c.LaunchTasks(ctx, []*resources.ResourceOffer{{ID: "nope", AgentID: "agent-1"}}, []*tasks.Task{mainTask("t1", 1)}))
	assert.Empty(t, r.statuses)
}

func TestFakeCluster_KillReconcileAndLoss(t *testing.T) {
	ctx := context.Background()
	c, _, r := newTestCluster()
	c.Tick(ctx)
	require.NoError(t, c.LaunchTasks(ctx, r.offers, []*tasks.Task{mainTask("t1", 1), mainTask("t2", 1)}))

	require.NoError(t, c.KillTask(ctx, "t1", "agent-1"))
	assert.Equal(t, stateKilled, r.statuses[len(r.statuses)-1].State)

	require.NoError(t, c.ReconcileTasks(ctx, []tasks.ReconcileRequest{{TaskID: "t2", AgentID: "agent-1"}, {TaskID: "ghost", AgentID: "agent-1"}}))
	n := len(r.statuses)
	assert.Equal(t, stateStaging, r.statuses[n-2].State)
	assert.Equal(t, stateLost, r.statuses[n-1].State)

	c.LoseAgent("agent-1")
	assert.Equal(t, []string{"agent-1"}, r.lost)
	assert.Equal(t, "t2", r.statuses[len(r.statuses)-1].TaskID)
	assert.Equal(t, stateLost, r.statuses[len(r.statuses)-1].State)
	agents, err := c.GetAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	c.RestoreAgent(Agent{AgentID: "agent-1"})
	agents, err = c.GetAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}
