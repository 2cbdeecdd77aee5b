package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/scheduler/cluster"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

// Manager tracks the scheduler's nodes. Agents reported by the cluster manager are held until the next database
// sync turns them into nodes. All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	clock  clock.PassiveClock
	config Config
	// Agents that belong to a node, by agent id
	agents map[string]cluster.Agent
	// Agents seen since the last sync
	newAgents map[string]cluster.Agent
	// Nodes by hostname
	nodes map[string]*Node
}

func NewManager(config Config, clock clock.PassiveClock) *Manager {
	return &Manager{
		clock:     clock,
		config:    config,
		agents:    map[string]cluster.Agent{},
		newAgents: map[string]cluster.Agent{},
		nodes:     map[string]*Node{},
	}
}

// RegisterAgents records agents reported by the cluster manager. An agent that already belongs to a node brings
// that node back online; any other agent waits for the next sync.
func (m *Manager) RegisterAgents(agents []cluster.Agent) {
	m.mu.Lock()
	var online []*Node
	for _, agent := range agents {
		if _, ok := m.agents[agent.AgentID]; ok {
			if node := m.nodeForAgent(agent.AgentID); node != nil {
				online = append(online, node)
				continue
			}
		}
		m.newAgents[agent.AgentID] = agent
	}
	m.mu.Unlock()

	for _, node := range online {
		node.UpdateFromCluster("", true)
	}
}

// LostNode takes the node of an agent offline. Returns the node, or nil if the agent had none.
func (m *Manager) LostNode(agentID string) *Node {
	m.mu.Lock()
	delete(m.newAgents, agentID)
	node := m.nodeForAgent(agentID)
	m.mu.Unlock()

	if node == nil {
		return nil
	}
	log.Warnf("node %s on agent %s has been lost", node.Hostname(), agentID)
	node.UpdateFromCluster("", false)
	return node
}

func (m *Manager) nodeForAgent(agentID string) *Node {
	agent, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	node, ok := m.nodes[agent.Hostname]
	if !ok || node.AgentID() != agentID {
		return nil
	}
	return node
}

// SyncWithDatabase creates records for hosts seen for the first time, turns new agents into nodes and refreshes
// every node from its record. Nodes that are neither active nor online are dropped once nothing runs on them.
func (m *Manager) SyncWithDatabase(ctx context.Context, st store.Store) error {
	m.mu.Lock()
	newAgents := maps.Values(m.newAgents)
	hostnames := map[string]bool{}
	for hostname := range m.nodes {
		hostnames[hostname] = true
	}
	m.mu.Unlock()
	for _, agent := range newAgents {
		hostnames[agent.Hostname] = true
	}

	now := m.clock.Now()
	var models []*store.Node
	var schedulerPaused bool
	busyNodes := map[int64]bool{}
	err := st.Update(ctx, func(tx store.Tx) error {
		scheduler, err := store.GetScheduler(ctx, tx)
		if err != nil {
			return err
		}
		schedulerPaused = scheduler.IsPaused

		existing, err := store.List(ctx, tx, func(n *store.Node) bool { return true })
		if err != nil {
			return err
		}
		known := map[string]bool{}
		for _, model := range existing {
			known[model.Hostname] = true
		}
		var created []*store.Node
		for _, agent := range newAgents {
			if known[agent.Hostname] {
				continue
			}
			known[agent.Hostname] = true
			log.Infof("registering new node %s", agent.Hostname)
			created = append(created, &store.Node{Hostname: agent.Hostname, IsActive: true, Created: now, LastModified: now})
		}
		if err := store.Insert(ctx, tx, created...); err != nil {
			return err
		}
		for _, model := range append(existing, created...) {
			if hostnames[model.Hostname] || model.IsActive {
				models = append(models, model)
			}
		}

		running, err := store.List(ctx, tx, func(j *store.Job) bool { return j.Status == store.JobStatusRunning })
		if err != nil {
			return err
		}
		for _, job := range running {
			busyNodes[job.NodeID] = true
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "failed to sync nodes")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	agentsByHost := map[string]cluster.Agent{}
	for _, agent := range newAgents {
		// An agent lost since the snapshot above is dropped
		if _, ok := m.newAgents[agent.AgentID]; ok {
			agentsByHost[agent.Hostname] = agent
		}
	}
	for _, model := range models {
		agent, isNew := agentsByHost[model.Hostname]
		node, exists := m.nodes[model.Hostname]
		switch {
		case exists && isNew:
			if old := node.AgentID(); old != "" && old != agent.AgentID {
				delete(m.agents, old)
			}
			node.UpdateFromCluster(agent.AgentID, true)
			node.UpdateFromModel(model, schedulerPaused)
		case exists:
			node.UpdateFromModel(model, schedulerPaused)
		case isNew:
			m.nodes[model.Hostname] = NewNode(agent.AgentID, model, schedulerPaused, m.config)
		default:
			// Active in the database but not offered by the cluster manager
			m.nodes[model.Hostname] = NewNode("", model, schedulerPaused, m.config)
		}
		if isNew {
			m.agents[agent.AgentID] = agent
			delete(m.newAgents, agent.AgentID)
		}
	}

	for hostname, node := range m.nodes {
		if node.ShouldBeRemoved() && !busyNodes[node.ID()] {
			log.Infof("removing node %s", hostname)
			delete(m.agents, node.AgentID())
			delete(m.nodes, hostname)
		}
	}
	return nil
}

// GetNodes returns every node ordered by hostname.
func (m *Manager) GetNodes() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	hostnames := maps.Keys(m.nodes)
	sort.Strings(hostnames)
	result := make([]*Node, 0, len(hostnames))
	for _, hostname := range hostnames {
		result = append(result, m.nodes[hostname])
	}
	return result
}

// GetNode returns the node on the given agent, or nil.
func (m *Manager) GetNode(agentID string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeForAgent(agentID)
}

// GetNextTasks returns the node tasks ready to launch on every node.
func (m *Manager) GetNextTasks(when time.Time) []*tasks.Task {
	var result []*tasks.Task
	for _, node := range m.GetNodes() {
		result = append(result, node.GetNextTasks(when)...)
	}
	return result
}

// HandleTaskUpdate passes a node task update to the node on the update's agent.
func (m *Manager) HandleTaskUpdate(update *tasks.TaskStatusUpdate) {
	if node := m.GetNode(update.AgentID); node != nil {
		node.HandleTaskUpdate(update)
	}
}

// HandleTaskTimeout passes a timed out node task to the node on its agent.
func (m *Manager) HandleTaskTimeout(task *tasks.Task, when time.Time) {
	if node := m.GetNode(task.AgentID()); node != nil {
		node.HandleTaskTimeout(task, when)
	}
}

// GenerateStatus returns a snapshot of every node.
func (m *Manager) GenerateStatus() []Info {
	nodes := m.GetNodes()
	result := make([]Info, 0, len(nodes))
	for _, node := range nodes {
		result = append(result, node.Snapshot())
	}
	return result
}
