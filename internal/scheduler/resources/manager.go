package resources

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"
)

// WatermarkResetPeriod is how often the rolling per-agent high watermark is reset.
const WatermarkResetPeriod = 5 * time.Minute

// ResourceOffer is a bundle of resources the cluster manager offered on one agent.
type ResourceOffer struct {
	ID        string
	AgentID   string
	Resources *NodeResources
	Received  time.Time
}

// RunningTask is the view of a launched task the resource accounting needs.
type RunningTask interface {
	GetAgentID() string
	GetResources() *NodeResources
}

// ResourceSet summarises one agent: what is offered, what launched tasks hold and the highest total seen.
type ResourceSet struct {
	Offered   *NodeResources
	Running   *NodeResources
	Watermark *NodeResources
}

type agentResources struct {
	agentID   string
	offers    map[string]*ResourceOffer
	running   *NodeResources
	watermark *NodeResources
}

func (a *agentResources) offered() *NodeResources {
	total := Empty()
	for _, offer := range a.offers {
		total.Add(offer.Resources)
	}
	return total
}

// ResourceManager tracks offered and in-use resources per agent. All methods are safe for concurrent use.
type ResourceManager struct {
	mu                 sync.Mutex
	agents             map[string]*agentResources
	newOffers          map[string]*ResourceOffer
	lastWatermarkReset time.Time
	clock              clock.PassiveClock
}

func NewResourceManager(clock clock.PassiveClock) *ResourceManager {
	return &ResourceManager{
		agents:    map[string]*agentResources{},
		newOffers: map[string]*ResourceOffer{},
		clock:     clock,
	}
}

// AddNewOffers queues offers to be folded in on the next RefreshAgentResources.
func (m *ResourceManager) AddNewOffers(offers []*ResourceOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, offer := range offers {
		m.newOffers[offer.ID] = offer
	}
}

// RescindOffer drops an offer the cluster manager withdrew.
func (m *ResourceManager) RescindOffer(offerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.newOffers, offerID)
	for _, agent := range m.agents {
		delete(agent.offers, offerID)
	}
}

// RefreshAgentResources folds queued offers into their agents, recomputes what launched tasks hold and returns
// the resulting per-agent resource sets.
func (m *ResourceManager) RefreshAgentResources(tasks []RunningTask) map[string]ResourceSet {
	running := map[string]*NodeResources{}
	for _, task := range tasks {
		agentID := task.GetAgentID()
		if _, ok := running[agentID]; !ok {
			running[agentID] = Empty()
		}
		running[agentID].Add(task.GetResources())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, offer := range m.newOffers {
		agent, ok := m.agents[offer.AgentID]
		if !ok {
			agent = &agentResources{
				agentID:   offer.AgentID,
				offers:    map[string]*ResourceOffer{},
				running:   Empty(),
				watermark: Empty(),
			}
			m.agents[offer.AgentID] = agent
		}
		agent.offers[offer.ID] = offer
	}
	m.newOffers = map[string]*ResourceOffer{}

	now := m.clock.Now()
	resetWatermark := now.Sub(m.lastWatermarkReset) >= WatermarkResetPeriod
	if resetWatermark {
		m.lastWatermarkReset = now
	}

	results := make(map[string]ResourceSet, len(m.agents))
	for agentID, agent := range m.agents {
		if r, ok := running[agentID]; ok {
			agent.running = r
		} else {
			agent.running = Empty()
		}
		total := agent.offered()
		total.Add(agent.running)
		if resetWatermark {
			agent.watermark = total
		} else {
			agent.watermark.IncreaseUpTo(total)
		}
		results[agentID] = ResourceSet{
			Offered:   agent.offered(),
			Running:   agent.running.Copy(),
			Watermark: agent.watermark.Copy(),
		}
	}
	return results
}

// GetAvailable returns the currently offered resources on an agent.
func (m *ResourceManager) GetAvailable(agentID string) *NodeResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return Empty()
	}
	return agent.offered()
}

// AllocateOffers removes and returns the offers of every agent that was asked for resources, provided the agent's
// offers cover the request. Agents whose offers fall short keep them.
func (m *ResourceManager) AllocateOffers(requested map[string]*NodeResources) map[string][]*ResourceOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	allocated := map[string][]*ResourceOffer{}
	for agentID, request := range requested {
		agent, ok := m.agents[agentID]
		if !ok || len(agent.offers) == 0 {
			continue
		}
		if !agent.offered().IsSufficientToMeet(request) {
			continue
		}
		allocated[agentID] = maps.Values(agent.offers)
		agent.offers = map[string]*ResourceOffer{}
	}
	return allocated
}

// DeclineOffers removes and returns every held offer.
func (m *ResourceManager) DeclineOffers() []*ResourceOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var declined []*ResourceOffer
	for _, agent := range m.agents {
		declined = append(declined, maps.Values(agent.offers)...)
		agent.offers = map[string]*ResourceOffer{}
	}
	return declined
}

// LostAgent forgets an agent and any offers queued for it.
func (m *ResourceManager) LostAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, offer := range m.newOffers {
		if offer.AgentID == agentID {
			delete(m.newOffers, id)
		}
	}
	delete(m.agents, agentID)
}

// GetMaxAvailableResources returns, per resource, the largest watermark across agents.
func (m *ResourceManager) GetMaxAvailableResources() *NodeResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxResources := Empty()
	for _, agent := range m.agents {
		maxResources.IncreaseUpTo(agent.watermark)
	}
	return maxResources
}

// Status is the cluster-wide resource summary reported by the scheduler status thread.
type Status struct {
	NumOffers   int                `json:"num_offers"`
	Running     map[string]float64 `json:"running"`
	Offered     map[string]float64 `json:"offered"`
	Free        map[string]float64 `json:"free"`
	Unavailable map[string]float64 `json:"unavailable"`
	Total       map[string]float64 `json:"total"`
}

// GenerateStatus summarises resources over the given active agents. total is the sum of the agents' advertised
// resources; whatever sits between total and the watermark is reported unavailable.
func (m *ResourceManager) GenerateStatus(agentTotals map[string]*NodeResources) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	numOffers := 0
	running, offered, watermark, total := Empty(), Empty(), Empty(), Empty()
	for agentID, agentTotal := range agentTotals {
		total.Add(agentTotal)
		agent, ok := m.agents[agentID]
		if !ok {
			continue
		}
		numOffers += len(agent.offers)
		running.Add(agent.running)
		offered.Add(agent.offered())
		watermark.Add(agent.watermark)
	}
	free := watermark.Copy()
	free.Subtract(running)
	free.Subtract(offered)
	unavailable := total.Copy()
	unavailable.Subtract(watermark)
	for _, r := range []*NodeResources{running, offered, free, unavailable, total} {
		r.RoundValues()
	}
	return Status{
		NumOffers:   numOffers,
		Running:     running.ToMap(),
		Offered:     offered.ToMap(),
		Free:        free.ToMap(),
		Unavailable: unavailable.ToMap(),
		Total:       total.ToMap(),
	}
}
