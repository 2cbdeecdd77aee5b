package cleanup

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/batchflow/internal/scheduler/tasks"
)

// Manager keeps one NodeCleanup per scheduler node.
type Manager struct {
	mu    sync.Mutex
	image string
	nodes map[int64]*NodeCleanup
	// Executions finished on nodes the manager has not heard of yet
	orphans map[int64][]JobExecution
}

// NewManager creates a manager whose cleanup tasks run in image.
func NewManager(image string) *Manager {
	return &Manager{
		image:   image,
		nodes:   map[int64]*NodeCleanup{},
		orphans: map[int64][]JobExecution{},
	}
}

// UpdateNodes brings the manager in line with the scheduler's current nodes. Nodes no longer present are
// dropped together with their queued executions.
func (m *Manager) UpdateNodes(nodes []Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[int64]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID()] = true
		if _, ok := m.nodes[node.ID()]; ok {
			continue
		}
		nodeCleanup := NewNodeCleanup(node, m.image)
		for _, jobExe := range m.orphans[node.ID()] {
			nodeCleanup.AddJobExecution(jobExe)
		}
		delete(m.orphans, node.ID())
		m.nodes[node.ID()] = nodeCleanup
	}
	for id, nodeCleanup := range m.nodes {
		if !current[id] {
			nodeCleanup.Reset()
			delete(m.nodes, id)
		}
	}
}

// AddJobExecution queues a finished execution for cleanup on its node.
func (m *Manager) AddJobExecution(jobExe JobExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeCleanup, ok := m.nodes[jobExe.NodeID()]; ok {
		nodeCleanup.AddJobExecution(jobExe)
		return
	}
	log.Debugf("job execution %d finished on unknown node %d, holding it for cleanup", jobExe.ID(), jobExe.NodeID())
	m.orphans[jobExe.NodeID()] = append(m.orphans[jobExe.NodeID()], jobExe)
}

// GetNextTasks returns the cleanup tasks ready to launch, ordered by node id.
func (m *Manager) GetNextTasks(when time.Time) []*tasks.Task {
	var result []*tasks.Task
	for _, nodeCleanup := range m.snapshot() {
		if task := nodeCleanup.GetNextTask(when); task != nil {
			result = append(result, task)
		}
	}
	return result
}

// HandleTaskUpdate passes an update to the node whose cleanup task it is for. Updates for tasks the manager no
// longer knows, such as those of a node's previous agent, are ignored.
func (m *Manager) HandleTaskUpdate(update *tasks.TaskStatusUpdate) {
	for _, nodeCleanup := range m.snapshot() {
		if nodeCleanup.HandleTaskUpdate(update) {
			return
		}
	}
}

// GetNumJobExes returns how many executions wait for cleanup, per node id.
func (m *Manager) GetNumJobExes() map[int64]int {
	result := map[int64]int{}
	m.mu.Lock()
	for id, nodeCleanup := range m.nodes {
		result[id] = nodeCleanup.GetNumJobExes()
	}
	m.mu.Unlock()
	return result
}

// snapshot copies out the node cleanups so that callers can work on them without holding the manager's lock.
func (m *Manager) snapshot() []*NodeCleanup {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := maps.Keys(m.nodes)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	result := make([]*NodeCleanup, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.nodes[id])
	}
	return result
}
