package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// FullReconciliationThreshold is how long a tracked task waits between reconciliations.
const FullReconciliationThreshold = 2 * time.Minute

// ReconcileRequest identifies a task to ask the cluster manager about.
type ReconcileRequest struct {
	TaskID  string
	AgentID string
}

// Reconciler asks the cluster manager to resend the status of tasks.
type Reconciler interface {
	ReconcileTasks(ctx context.Context, requests []ReconcileRequest) error
}

type trackedTask struct {
	request        ReconcileRequest
	lastReconciled time.Time
}

// ReconciliationManager re-queries the cluster manager about tasks whose state is in doubt. New tasks are
// reconciled on the next pass; tasks already reconciled once are only reconciled again once the threshold has
// passed. A task leaves the manager when any status update for it arrives.
type ReconciliationManager struct {
	mu        sync.Mutex
	rookies   map[string]ReconcileRequest
	tracked   map[string]*trackedTask
	threshold time.Duration
	client    Reconciler
	clock     clock.PassiveClock
}

func NewReconciliationManager(client Reconciler, clock clock.PassiveClock, threshold time.Duration) *ReconciliationManager {
	if threshold <= 0 {
		threshold = FullReconciliationThreshold
	}
	return &ReconciliationManager{
		rookies:   map[string]ReconcileRequest{},
		tracked:   map[string]*trackedTask{},
		threshold: threshold,
		client:    client,
		clock:     clock,
	}
}

// AddTasks queues tasks for reconciliation. Tasks already being reconciled are left alone.
func (m *ReconciliationManager) AddTasks(tasks []*Task) {
	requests := make([]ReconcileRequest, 0, len(tasks))
	for _, task := range tasks {
		requests = append(requests, ReconcileRequest{TaskID: task.ID(), AgentID: task.AgentID()})
	}
	m.AddTaskIDs(requests)
}

func (m *ReconciliationManager) AddTaskIDs(requests []ReconcileRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, request := range requests {
		if _, ok := m.tracked[request.TaskID]; ok {
			continue
		}
		m.rookies[request.TaskID] = request
	}
}

// RemoveTaskID stops reconciling a task. Unknown ids are ignored.
func (m *ReconciliationManager) RemoveTaskID(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rookies, taskID)
	delete(m.tracked, taskID)
}

// Due returns the requests a pass at when would send: every rookie and every tracked task last reconciled at
// least the threshold before when.
func (m *ReconciliationManager) Due(when time.Time) []ReconcileRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []ReconcileRequest
	for _, request := range m.rookies {
		due = append(due, request)
	}
	for _, task := range m.tracked {
		if when.Sub(task.lastReconciled) >= m.threshold {
			due = append(due, task.request)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TaskID < due[j].TaskID })
	return due
}

// markReconciled stamps sent requests as reconciled at when, promoting rookies to tracked tasks. Tasks removed
// while the requests were in flight stay removed.
func (m *ReconciliationManager) markReconciled(sent []ReconcileRequest, when time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, request := range sent {
		if rookie, ok := m.rookies[request.TaskID]; ok {
			delete(m.rookies, request.TaskID)
			m.tracked[request.TaskID] = &trackedTask{request: rookie, lastReconciled: when}
		} else if task, ok := m.tracked[request.TaskID]; ok {
			task.lastReconciled = when
		}
	}
}

// PerformReconciliation sends every due request to the cluster manager in one batch. Requests are only stamped
// as reconciled once the cluster manager has accepted them, so a failed send is retried on the next pass.
func (m *ReconciliationManager) PerformReconciliation(ctx context.Context) error {
	when := m.clock.Now()
	due := m.Due(when)
	if len(due) == 0 {
		return nil
	}
	log.Infof("reconciling %d task(s)", len(due))
	if err := m.client.ReconcileTasks(ctx, due); err != nil {
		return errors.WithMessagef(err, "failed to reconcile %d task(s)", len(due))
	}
	m.markReconciled(due, when)
	return nil
}

// Count returns the number of rookie and tracked tasks.
func (m *ReconciliationManager) Count() (rookies int, tracked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rookies), len(m.tracked)
}
