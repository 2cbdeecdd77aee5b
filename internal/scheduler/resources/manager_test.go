package resources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clock "k8s.io/utils/clock/testing"
)

type testTask struct {
	agentID   string
	resources *NodeResources
}

func (t testTask) GetAgentID() string           { return t.agentID }
func (t testTask) GetResources() *NodeResources { return t.resources }

func TestResourceManager_RefreshAndAllocate(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewResourceManager(fakeClock)
	m.AddNewOffers([]*ResourceOffer{
		{ID: "o1", AgentID: "agent-1", Resources: MustNodeResources(map[string]float64{CPUs: 2, Mem: 1024})},
		{ID: "o2", AgentID: "agent-1", Resources: MustNodeResources(map[string]float64{CPUs: 1})},
		{ID: "o3", AgentID: "agent-2", Resources: MustNodeResources(map[string]float64{CPUs: 1, Mem: 128})},
	})

	sets := m.RefreshAgentResources([]RunningTask{
		testTask{agentID: "agent-1", resources: MustNodeResources(map[string]float64{CPUs: 1, Mem: 256})},
	})
	assert.Len(t, sets, 2)
	assert.Equal(t, 3.0, sets["agent-1"].Offered.CPUs())
	assert.Equal(t, 1.0, sets["agent-1"].Running.CPUs())
	assert.Equal(t, 4.0, sets["agent-1"].Watermark.CPUs())
	assert.Equal(t, 3.0, m.GetAvailable("agent-1").CPUs())

	allocated := m.AllocateOffers(map[string]*NodeResources{
		"agent-1": MustNodeResources(map[string]float64{CPUs: 3, Mem: 1024}),
		"agent-2": MustNodeResources(map[string]float64{CPUs: 2}),
	})
	assert.Len(t, allocated["agent-1"], 2)
	assert.NotContains(t, allocated, "agent-2")
	assert.Equal(t, 0.0, m.GetAvailable("agent-1").CPUs())

	declined := m.DeclineOffers()
	assert.Len(t, declined, 1)
	assert.Equal(t, "o3", declined[0].ID)
}

func TestResourceManager_WatermarkResets(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewResourceManager(fakeClock)
	m.AddNewOffers([]*ResourceOffer{{ID: "o1", AgentID: "a", Resources: MustNodeResources(map[string]float64{CPUs: 8})}})
	m.RefreshAgentResources(nil)
	m.AllocateOffers(map[string]*NodeResources{"a": MustNodeResources(map[string]float64{CPUs: 1})})

	fakeClock.Step(time.Minute)
	assert.Equal(t, 8.0, m.RefreshAgentResources(nil)["a"].Watermark.CPUs())
	assert.Equal(t, 8.0, m.GetMaxAvailableResources().CPUs())

	fakeClock.Step(WatermarkResetPeriod)
	assert.Equal(t, 0.0, m.RefreshAgentResources(nil)["a"].Watermark.CPUs())
}

func TestResourceManager_LostAgentAndStatus(t *testing.T) {
	m := NewResourceManager(clock.NewFakeClock(time.Now()))
	m.AddNewOffers([]*ResourceOffer{{ID: "o1", AgentID: "a", Resources: MustNodeResources(map[string]float64{CPUs: 2})}})
	m.RefreshAgentResources(nil)

	status := m.GenerateStatus(map[string]*NodeResources{"a": MustNodeResources(map[string]float64{CPUs: 4})})
	assert.Equal(t, 1, status.NumOffers)
	assert.Equal(t, 2.0, status.Offered[CPUs])
	assert.Equal(t, 2.0, status.Unavailable[CPUs])
	assert.Equal(t, 4.0, status.Total[CPUs])

	m.LostAgent("a")
	assert.Equal(t, 0.0, m.GetAvailable("a").CPUs())
}
