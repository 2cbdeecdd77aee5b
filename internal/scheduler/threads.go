package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/task"
	"github.com/G-Research/batchflow/internal/scheduler/cleanup"
	"github.com/G-Research/batchflow/internal/scheduler/node"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

// Start registers the scheduler's loops. They run until the task manager is stopped.
func (s *Scheduler) Start(taskManager *task.BackgroundTaskManager) {
	taskManager.Register(s.sync, s.config.SyncInterval, "sync")
	taskManager.Register(func(ctx context.Context) error {
		_, err := s.schedule(ctx)
		return err
	}, s.config.SchedulingInterval, "scheduling")
	taskManager.Register(s.handleTasks, s.config.TaskHandlingInterval, "task_handling")
	taskManager.Register(s.handleMessages, s.config.MessagingInterval, "messaging")
	taskManager.Register(s.reconcile, s.config.ReconciliationInterval, "reconciliation")
	taskManager.Register(s.updateStatus, s.config.StatusInterval, "scheduler_status")
	taskManager.Register(s.saveTaskUpdates, s.config.TaskUpdateInterval, "task_update")
}

// sync refreshes the managers from the cluster manager and the store.
func (s *Scheduler) sync(ctx context.Context) error {
	agents, err := s.client.GetAgents(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to get agents")
	}
	totals := make(map[string]*resources.NodeResources, len(agents))
	for _, agent := range agents {
		totals[agent.AgentID] = agent.Resources.Copy()
	}
	s.nodeManager.RegisterAgents(agents)

	var paused bool
	err = s.store.View(ctx, func(tx store.Tx) error {
		scheduler, err := store.GetScheduler(ctx, tx)
		if err != nil {
			return err
		}
		paused = scheduler.IsPaused
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "failed to read the scheduler record")
	}
	s.mu.Lock()
	if paused != s.paused {
		logging.FromContext(ctx).Infof("scheduler paused: %t", paused)
	}
	s.paused = paused
	s.agentTotals = totals
	s.mu.Unlock()

	if err := s.jobTypeManager.SyncWithDatabase(ctx, s.store); err != nil {
		return err
	}
	if err := s.nodeManager.SyncWithDatabase(ctx, s.store); err != nil {
		return err
	}
	nodes := s.nodeManager.GetNodes()
	cleanupNodes := make([]cleanup.Node, len(nodes))
	for i, n := range nodes {
		cleanupNodes[i] = n
	}
	s.cleanupManager.UpdateNodes(cleanupNodes)

	canceled, err := s.jobExeManager.SyncWithDatabase(ctx, s.store, s.clock.Now())
	if err != nil {
		return err
	}
	for _, exe := range canceled {
		s.cleanupManager.AddJobExecution(exe)
	}
	s.mu.Lock()
	s.lastSync = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// handleTasks times out tasks, kills the tasks that need it, fails starved executions and hands tasks whose
// state is in doubt to reconciliation.
func (s *Scheduler) handleTasks(ctx context.Context) error {
	now := s.clock.Now()
	for _, timedOut := range s.taskManager.CheckTimeouts(now) {
		s.metrics.tasksTimedOut.Inc()
		if _, ok := tasks.ParseJobExeID(timedOut.ID()); ok {
			if finished := s.jobExeManager.HandleTaskTimeout(timedOut, now); finished != nil {
				s.cleanupManager.AddJobExecution(finished)
			}
		} else {
			s.nodeManager.HandleTaskTimeout(timedOut, now)
		}
	}

	var result *multierror.Error
	for _, toKill := range s.taskManager.GetTasksToKill() {
		if err := s.client.KillTask(ctx, toKill.ID(), toKill.AgentID()); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "failed to kill task %s", toKill.ID()))
		}
	}

	for _, starved := range s.jobExeManager.CheckForStarvation(now) {
		s.cleanupManager.AddJobExecution(starved)
	}
	s.reconciliationManager.AddTasks(s.taskManager.GetTasksToReconcile(now))
	return result.ErrorOrNil()
}

// handleMessages sends the messages the managers produced, then executes one batch of received messages.
func (s *Scheduler) handleMessages(ctx context.Context) error {
	msgs := append(s.drainOutbox(), s.jobExeManager.GetMessages()...)
	if err := s.messages.SendMessages(ctx, msgs); err != nil {
		s.queueMessages(msgs)
		return err
	}
	_, err := s.messages.ReceiveMessages(ctx)
	return err
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	return s.reconciliationManager.PerformReconciliation(ctx)
}

// saveTaskUpdates writes the job task updates received since the last call.
func (s *Scheduler) saveTaskUpdates(ctx context.Context) error {
	s.mu.Lock()
	updates := s.taskUpdates
	s.taskUpdates = nil
	s.mu.Unlock()
	if len(updates) == 0 {
		return nil
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return store.Insert(ctx, tx, updates...)
	})
	if err != nil {
		s.mu.Lock()
		s.taskUpdates = append(updates, s.taskUpdates...)
		s.mu.Unlock()
		return errors.WithMessagef(err, "failed to save %d task update(s)", len(updates))
	}
	return nil
}

// Status is the snapshot the scheduler writes to its record.
type Status struct {
	Timestamp      time.Time        `json:"timestamp"`
	IsPaused       bool             `json:"is_paused"`
	Nodes          []node.Info      `json:"nodes"`
	Resources      resources.Status `json:"resources"`
	Tasks          tasks.Status     `json:"tasks"`
	JobTypes       []JobTypeStatus  `json:"job_types"`
	NumJobExes     int              `json:"num_job_exes"`
	NumQueuedJobs  int              `json:"num_queued_jobs"`
	Cleanup        map[int64]int    `json:"cleanup"`
	Reconciliation struct {
		Rookies int `json:"rookies"`
		Tracked int `json:"tracked"`
	} `json:"reconciliation"`
}

type JobTypeStatus struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	IsPaused bool   `json:"is_paused"`
	Running  int    `json:"running"`
}

// GenerateStatus snapshots the managers. numQueued is the number of queued jobs.
func (s *Scheduler) GenerateStatus(numQueued int) Status {
	s.mu.Lock()
	paused := s.paused
	agentTotals := make(map[string]*resources.NodeResources, len(s.agentTotals))
	for agentID, total := range s.agentTotals {
		agentTotals[agentID] = total
	}
	s.mu.Unlock()

	exes := s.jobExeManager.GetAllJobExes()
	running := map[int64]int{}
	for _, exe := range exes {
		running[exe.JobTypeID()]++
	}
	var jobTypes []JobTypeStatus
	for _, jobType := range s.jobTypeManager.GetJobTypes() {
		jobTypes = append(jobTypes, JobTypeStatus{
			ID:       jobType.ID,
			Name:     jobType.Name,
			Version:  jobType.Version,
			IsPaused: jobType.IsPaused,
			Running:  running[jobType.ID],
		})
	}
	sortJobTypes(jobTypes)

	status := Status{
		Timestamp:     s.clock.Now(),
		IsPaused:      paused,
		Nodes:         s.nodeManager.GenerateStatus(),
		Resources:     s.resourceManager.GenerateStatus(agentTotals),
		Tasks:         s.taskManager.GenerateStatus(),
		JobTypes:      jobTypes,
		NumJobExes:    len(exes),
		NumQueuedJobs: numQueued,
		Cleanup:       s.cleanupManager.GetNumJobExes(),
	}
	status.Reconciliation.Rookies, status.Reconciliation.Tracked = s.reconciliationManager.Count()
	return status
}

// updateStatus writes a status snapshot into the scheduler record.
func (s *Scheduler) updateStatus(ctx context.Context) error {
	return s.store.Update(ctx, func(tx store.Tx) error {
		queue, err := store.List[store.Queue](ctx, tx, nil)
		if err != nil {
			return err
		}
		status := s.GenerateStatus(len(queue))
		s.metrics.runningJobExes.Set(float64(status.NumJobExes))
		s.metrics.queuedJobs.Set(float64(len(queue)))
		body, err := json.Marshal(status)
		if err != nil {
			return errors.WithStack(err)
		}
		scheduler, err := store.GetScheduler(ctx, tx)
		if err != nil {
			return err
		}
		scheduler.Status = body
		scheduler.StatusUpdated = &status.Timestamp
		return store.Save(ctx, tx, scheduler)
	})
}

func sortJobTypes(jobTypes []JobTypeStatus) {
	sort.Slice(jobTypes, func(i, j int) bool {
		if jobTypes[i].Name != jobTypes[j].Name {
			return jobTypes[i].Name < jobTypes[j].Name
		}
		return jobTypes[i].Version < jobTypes[j].Version
	})
}
