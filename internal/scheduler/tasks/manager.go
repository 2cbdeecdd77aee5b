package tasks

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// TaskManager tracks every launched task that has not yet ended. All methods are safe for concurrent use.
type TaskManager struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: map[string]*Task{}}
}

// LaunchTasks marks the tasks as launched and starts tracking them. A task that is already tracked is logged and
// skipped.
func (m *TaskManager) LaunchTasks(tasks []*Task, when time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range tasks {
		if _, exists := m.tasks[task.ID()]; exists {
			log.Errorf("task %s has already been launched, ignoring duplicate launch", task.ID())
			continue
		}
		if err := task.Launch(when); err != nil {
			log.WithError(err).Errorf("failed to launch task %s", task.ID())
			continue
		}
		m.tasks[task.ID()] = task
	}
}

// HandleTaskUpdate applies update to its task. Tasks that end, or that the cluster manager lost, stop being
// tracked. Returns the task, or nil if the task is unknown.
func (m *TaskManager) HandleTaskUpdate(update *TaskStatusUpdate) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[update.TaskID]
	if !ok {
		return nil
	}
	task.Update(update)
	if task.HasEnded() || update.Status == Lost {
		delete(m.tasks, update.TaskID)
	}
	return task
}

func (m *TaskManager) GetTask(taskID string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID]
}

// GetAllTasks returns the tracked tasks ordered by id.
func (m *TaskManager) GetAllTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedTasks(maps.Values(m.tasks))
}

func (m *TaskManager) GetTasksToKill() []*Task {
	return m.filter(func(t *Task) bool { return t.NeedsKilled() })
}

func (m *TaskManager) GetTasksToReconcile(when time.Time) []*Task {
	return m.filter(func(t *Task) bool { return t.NeedsReconciliation(when) })
}

// CheckTimeouts times out every task that has overrun its threshold and returns those that timed out on this
// call.
func (m *TaskManager) CheckTimeouts(when time.Time) []*Task {
	return m.filter(func(t *Task) bool { return t.CheckTimeout(when) })
}

func (m *TaskManager) filter(predicate func(*Task) bool) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Task
	for _, task := range m.tasks {
		if predicate(task) {
			result = append(result, task)
		}
	}
	return sortedTasks(result)
}

// Status counts tracked tasks per role.
type Status struct {
	Total  int            `json:"total"`
	ByRole map[Role]int   `json:"by_role"`
	ByNode map[string]int `json:"by_agent"`
}

func (m *TaskManager) GenerateStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{Total: len(m.tasks), ByRole: map[Role]int{}, ByNode: map[string]int{}}
	for _, task := range m.tasks {
		status.ByRole[task.Role()]++
		status.ByNode[task.AgentID()]++
	}
	return status
}

func sortedTasks(tasks []*Task) []*Task {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID() < tasks[j].ID() })
	return tasks
}
