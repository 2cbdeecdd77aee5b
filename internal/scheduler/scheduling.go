package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/scheduler/execution"
	"github.com/G-Research/batchflow/internal/scheduler/node"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

// schedulingNode is what one scheduling loop plans for a node.
type schedulingNode struct {
	node      *node.Node
	agentID   string
	remaining *resources.NodeResources
	allocated *resources.NodeResources

	nodeTasks []*tasks.Task
	readyExes []*execution.RunningJobExecution
	queued    []*store.Queue
	newExes   []*execution.RunningJobExecution
}

func (n *schedulingNode) accept(required *resources.NodeResources) bool {
	if !n.remaining.IsSufficientToMeet(required) {
		return false
	}
	n.remaining.Subtract(required)
	n.allocated.Add(required)
	return true
}

func (n *schedulingNode) hasWork() bool {
	return len(n.nodeTasks) > 0 || len(n.readyExes) > 0 || len(n.queued) > 0
}

// schedule launches whatever fits into the offers held: node tasks first, then the next tasks of running
// executions and finally new executions for queued jobs. Returns the number of tasks launched.
func (s *Scheduler) schedule(ctx context.Context) (int, error) {
	now := s.clock.Now()
	running := s.taskManager.GetAllTasks()
	runningTasks := make([]resources.RunningTask, len(running))
	for i, task := range running {
		runningTasks[i] = task
	}
	s.resourceManager.RefreshAgentResources(runningTasks)

	nodes := s.schedulingNodes()
	if len(nodes) == 0 {
		return 0, nil
	}
	s.considerNodeTasks(nodes, now)
	s.considerReadyJobExes(nodes)
	if !s.isPaused() {
		queue, err := s.loadQueue(ctx)
		if err != nil {
			return 0, err
		}
		s.considerQueuedJobs(nodes, queue)
	}
	return s.launch(ctx, nodes, now)
}

// schedulingNodes returns a schedulingNode for every node with an agent, ordered by hostname.
func (s *Scheduler) schedulingNodes() []*schedulingNode {
	var result []*schedulingNode
	for _, n := range s.nodeManager.GetNodes() {
		agentID := n.AgentID()
		if agentID == "" || !n.IsOnline() {
			continue
		}
		result = append(result, &schedulingNode{
			node:      n,
			agentID:   agentID,
			remaining: s.resourceManager.GetAvailable(agentID),
			allocated: resources.Empty(),
		})
	}
	return result
}

func (s *Scheduler) considerNodeTasks(nodes []*schedulingNode, now time.Time) {
	byAgent := make(map[string]*schedulingNode, len(nodes))
	for _, n := range nodes {
		byAgent[n.agentID] = n
		for _, task := range n.node.GetNextTasks(now) {
			if n.accept(task.GetResources()) {
				n.nodeTasks = append(n.nodeTasks, task)
			}
		}
	}
	for _, task := range s.cleanupManager.GetNextTasks(now) {
		if n, ok := byAgent[task.AgentID()]; ok && n.accept(task.GetResources()) {
			n.nodeTasks = append(n.nodeTasks, task)
		}
	}
}

func (s *Scheduler) considerReadyJobExes(nodes []*schedulingNode) {
	byID := make(map[int64]*schedulingNode, len(nodes))
	for _, n := range nodes {
		byID[n.node.ID()] = n
	}
	for _, exe := range s.jobExeManager.GetReadyJobExes() {
		n, ok := byID[exe.NodeID()]
		if !ok || n.agentID != exe.AgentID() || !n.node.IsReadyForNextJobTask() {
			continue
		}
		next := exe.NextTask()
		if next != nil && n.accept(next.GetResources()) {
			n.readyExes = append(n.readyExes, exe)
		}
	}
}

func (s *Scheduler) loadQueue(ctx context.Context) ([]*store.Queue, error) {
	var queue []*store.Queue
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		queue, err = store.List[store.Queue](ctx, tx, nil)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load the queue")
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority < queue[j].Priority
		}
		if !queue[i].Queued.Equal(queue[j].Queued) {
			return queue[i].Queued.Before(queue[j].Queued)
		}
		return queue[i].ID < queue[j].ID
	})
	return queue, nil
}

// considerQueuedJobs places queued jobs, highest priority first, on the first ready node they fit on. Jobs of
// paused job types and of job types already running their maximum are passed over.
func (s *Scheduler) considerQueuedJobs(nodes []*schedulingNode, queue []*store.Queue) {
	jobTypes := s.jobTypeManager.GetJobTypes()
	scheduled := map[int64]int{}
	for _, exe := range s.jobExeManager.GetAllJobExes() {
		scheduled[exe.JobTypeID()]++
	}
	count := 0
	for _, entry := range queue {
		if count >= s.config.MaxNewJobExes {
			break
		}
		jobType, ok := jobTypes[entry.JobTypeID]
		if !ok || jobType.IsPaused {
			continue
		}
		if jobType.MaxScheduled > 0 && scheduled[jobType.ID] >= jobType.MaxScheduled {
			continue
		}
		required := entry.Resources
		if required == nil {
			required = jobType.GetResources()
		}
		for _, n := range nodes {
			if n.node.IsReadyForNewJob() && n.accept(required) {
				n.queued = append(n.queued, entry)
				scheduled[jobType.ID]++
				count++
				break
			}
		}
	}
}

// launch takes the offers for every node with work planned and launches the tasks. Nodes whose offers fall
// short of the plan launch nothing this loop.
func (s *Scheduler) launch(ctx context.Context, nodes []*schedulingNode, now time.Time) (int, error) {
	requested := map[string]*resources.NodeResources{}
	for _, n := range nodes {
		if n.hasWork() {
			requested[n.agentID] = n.allocated
		}
	}
	if len(requested) == 0 {
		return 0, nil
	}
	offers := s.resourceManager.AllocateOffers(requested)

	var withOffers []*schedulingNode
	for _, n := range nodes {
		if _, ok := offers[n.agentID]; ok {
			withOffers = append(withOffers, n)
		}
	}
	if err := s.createJobExes(ctx, withOffers, now); err != nil {
		for _, agentOffers := range offers {
			s.resourceManager.AddNewOffers(agentOffers)
		}
		return 0, err
	}

	launched := 0
	for _, n := range withOffers {
		toLaunch := append([]*tasks.Task(nil), n.nodeTasks...)
		for _, exe := range append(n.readyExes, n.newExes...) {
			if task := exe.StartNextTask(); task != nil {
				toLaunch = append(toLaunch, task)
			}
		}
		if len(toLaunch) == 0 {
			if err := s.client.DeclineOffers(ctx, offers[n.agentID]); err != nil {
				log.WithError(err).Warnf("failed to decline offers on agent %s", n.agentID)
			}
			continue
		}
		s.taskManager.LaunchTasks(toLaunch, now)
		if err := s.client.LaunchTasks(ctx, offers[n.agentID], toLaunch); err != nil {
			log.WithError(err).Errorf("failed to launch %d task(s) on node %s", len(toLaunch), n.node.Hostname())
			s.metrics.launchFailures.Inc()
			if err := s.client.DeclineOffers(ctx, offers[n.agentID]); err != nil {
				log.WithError(err).Warnf("failed to decline offers on agent %s", n.agentID)
			}
			// Reconciliation reports tasks the cluster manager never saw as lost, which frees them to relaunch
			s.reconciliationManager.AddTasks(toLaunch)
			continue
		}
		for _, task := range toLaunch {
			s.metrics.tasksLaunched.WithLabelValues(string(task.Role())).Inc()
		}
		launched += len(toLaunch)
	}
	return launched, nil
}

// createJobExes turns the queue entries planned on the nodes into job executions, removing them from the queue.
// Entries whose job has moved on since the queue was read are dropped.
func (s *Scheduler) createJobExes(ctx context.Context, nodes []*schedulingNode, now time.Time) error {
	var entries []*store.Queue
	nodeOf := map[int64]*schedulingNode{}
	for _, n := range nodes {
		for _, entry := range n.queued {
			entries = append(entries, entry)
			nodeOf[entry.ID] = n
		}
	}
	if len(entries) == 0 {
		return nil
	}

	var created []*store.JobExecution
	err := s.store.Update(ctx, func(tx store.Tx) error {
		created = nil
		ids := store.IDs(entries)
		current, err := store.GetMany[store.Queue](ctx, tx, ids)
		if err != nil {
			return err
		}
		jobs, err := store.GetLockedJobs(ctx, tx, ids)
		if err != nil {
			return err
		}
		jobsByID := make(map[int64]*store.Job, len(jobs))
		for _, job := range jobs {
			jobsByID[job.ID] = job
		}
		var stale []int64
		for _, entry := range current {
			job, ok := jobsByID[entry.ID]
			if !ok || job.Status != store.JobStatusQueued || job.NumExes != entry.ExeNum {
				stale = append(stale, entry.ID)
				continue
			}
			created = append(created, &store.JobExecution{
				JobID:         job.ID,
				JobTypeID:     job.JobTypeID,
				ExeNum:        entry.ExeNum,
				NodeID:        nodeOf[entry.ID].node.ID(),
				ClusterID:     fmt.Sprintf("batchflow_job_%d_%d", job.ID, entry.ExeNum),
				Timeout:       entry.Timeout,
				InputFileSize: entry.InputFileSize,
				Resources:     entry.Resources,
				Queued:        entry.Queued,
				Started:       now,
			})
		}
		if len(stale) > 0 {
			log.Infof("dropping %d stale queue entries", len(stale))
		}
		if err := store.Insert(ctx, tx, created...); err != nil {
			return err
		}
		return store.Delete[store.Queue](ctx, tx, store.IDs(current))
	})
	if err != nil {
		return errors.WithMessage(err, "failed to schedule job executions")
	}

	jobTypes := s.jobTypeManager.GetJobTypes()
	var exes []*execution.RunningJobExecution
	for _, model := range created {
		n := nodeOf[model.JobID]
		jobType, ok := jobTypes[model.JobTypeID]
		if !ok {
			jobType = &store.JobType{ID: model.JobTypeID}
		}
		exe := execution.NewRunningJobExecution(n.agentID, model, jobType, s.catalog)
		n.newExes = append(n.newExes, exe)
		exes = append(exes, exe)
	}
	s.jobExeManager.AddJobExes(exes)
	s.metrics.jobExesScheduled.Add(float64(len(exes)))
	if len(exes) > 0 {
		log.Infof("scheduled %d new job execution(s)", len(exes))
	}
	return nil
}
