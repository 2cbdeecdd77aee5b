package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/common/stringinterner"
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/scheduler/cleanup"
	"github.com/G-Research/batchflow/internal/scheduler/cluster"
	"github.com/G-Research/batchflow/internal/scheduler/configuration"
	"github.com/G-Research/batchflow/internal/scheduler/execution"
	"github.com/G-Research/batchflow/internal/scheduler/jobtype"
	"github.com/G-Research/batchflow/internal/scheduler/node"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/store"
)

// Scheduler ties the scheduler's managers to the cluster manager and the command message bus. Cluster manager
// callbacks are applied to the managers as they arrive; everything else happens in the background loops.
//
// The managers each guard their own state. The scheduler never holds its own lock while calling a manager or
// the cluster manager.
type Scheduler struct {
	config   configuration.SchedulerConfig
	clock    clock.PassiveClock
	store    store.Store
	client   cluster.Client
	messages *messaging.Manager
	catalog  *errorcatalog.Catalog
	decoder  *tasks.UpdateDecoder
	metrics  *schedulerMetrics

	nodeManager           *node.Manager
	jobTypeManager        *jobtype.Manager
	jobExeManager         *execution.Manager
	cleanupManager        *cleanup.Manager
	taskManager           *tasks.TaskManager
	reconciliationManager *tasks.ReconciliationManager
	resourceManager       *resources.ResourceManager

	mu sync.Mutex
	// Whether the scheduler record was paused at the last sync
	paused bool
	// Advertised resources of the agents seen at the last sync
	agentTotals map[string]*resources.NodeResources
	// Job task updates waiting to be written to the store
	taskUpdates []*store.TaskUpdate
	// Messages that could not be sent yet
	outbox []messaging.CommandMessage
	// When sync last succeeded
	lastSync time.Time
}

// NewScheduler builds the managers and registers for the cluster manager's callbacks.
func NewScheduler(
	config configuration.SchedulerConfig,
	st store.Store,
	client cluster.Client,
	messages *messaging.Manager,
	catalog *errorcatalog.Catalog,
	interner *stringinterner.StringInterner,
	clock clock.PassiveClock,
) *Scheduler {
	s := &Scheduler{
		config:                config,
		clock:                 clock,
		store:                 st,
		client:                client,
		messages:              messages,
		catalog:               catalog,
		decoder:               tasks.NewUpdateDecoder(interner),
		metrics:               newSchedulerMetrics(),
		nodeManager:           node.NewManager(node.Config{Image: config.NodeImage}, clock),
		jobTypeManager:        jobtype.NewManager(),
		jobExeManager:         execution.NewManager(),
		cleanupManager:        cleanup.NewManager(config.NodeImage),
		taskManager:           tasks.NewTaskManager(),
		reconciliationManager: tasks.NewReconciliationManager(client, clock, config.FullReconciliationThreshold),
		resourceManager:       resources.NewResourceManager(clock),
		agentTotals:           map[string]*resources.NodeResources{},
	}
	client.Register(cluster.Callbacks{
		Offers:    s.resourceManager.AddNewOffers,
		Rescinded: s.resourceManager.RescindOffer,
		Status:    s.handleStatus,
		AgentLost: s.handleAgentLost,
	})
	return s
}

// handleStatus routes a task status update to whatever owns the task. The owner applies the update first so
// that it sees the transition, then the task manager drops the task if it ended.
func (s *Scheduler) handleStatus(raw tasks.RawTaskStatus) {
	update := s.decoder.Decode(raw)
	s.reconciliationManager.RemoveTaskID(update.TaskID)

	if s.taskManager.GetTask(update.TaskID) == nil {
		if update.Status == tasks.Staging || update.Status == tasks.Running {
			log.Warnf("killing unknown task %s on agent %s", update.TaskID, update.AgentID)
			if err := s.client.KillTask(context.Background(), update.TaskID, update.AgentID); err != nil {
				log.WithError(err).Errorf("failed to kill unknown task %s", update.TaskID)
			}
		}
		return
	}

	if jobExeID, ok := tasks.ParseJobExeID(update.TaskID); ok {
		if exe := s.jobExeManager.GetJobExe(jobExeID); exe != nil {
			s.recordTaskUpdate(exe, update)
		}
		if finished := s.jobExeManager.HandleTaskUpdate(update); finished != nil {
			s.cleanupManager.AddJobExecution(finished)
		}
	} else {
		s.cleanupManager.HandleTaskUpdate(update)
		s.nodeManager.HandleTaskUpdate(update)
	}
	s.taskManager.HandleTaskUpdate(update)
}

func (s *Scheduler) recordTaskUpdate(exe *execution.RunningJobExecution, update *tasks.TaskStatusUpdate) {
	model := &store.TaskUpdate{
		JobExeID:  exe.ID(),
		JobID:     exe.JobID(),
		ExeNum:    exe.ExeNum(),
		TaskID:    update.TaskID,
		Status:    string(update.Status),
		Timestamp: update.Timestamp,
		Source:    update.Source,
		Reason:    update.Reason,
		Message:   update.Message,
	}
	s.mu.Lock()
	s.taskUpdates = append(s.taskUpdates, model)
	s.mu.Unlock()
}

// handleAgentLost fails the executions on the agent's node. The cluster manager reports the agent's tasks as
// lost separately.
func (s *Scheduler) handleAgentLost(agentID string) {
	s.resourceManager.LostAgent(agentID)
	lost := s.nodeManager.LostNode(agentID)
	if lost == nil {
		return
	}
	finished := s.jobExeManager.LostNode(lost.ID(), s.clock.Now())
	if len(finished) > 0 {
		log.Warnf("%d job execution(s) failed with node %s", len(finished), lost.Hostname())
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// queueMessages holds msgs for the next messaging loop.
func (s *Scheduler) queueMessages(msgs []messaging.CommandMessage) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	s.outbox = append(s.outbox, msgs...)
	s.mu.Unlock()
}

func (s *Scheduler) drainOutbox() []messaging.CommandMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.outbox
	s.outbox = nil
	return msgs
}

// Stop hands every held offer back to the cluster manager.
func (s *Scheduler) Stop(ctx context.Context) {
	offers := s.resourceManager.DeclineOffers()
	if len(offers) == 0 {
		return
	}
	if err := s.client.DeclineOffers(ctx, offers); err != nil {
		log.WithError(err).Warnf("failed to decline %d offer(s) on shutdown", len(offers))
	}
}

// Check fails when sync has not succeeded recently.
func (s *Scheduler) Check() error {
	s.mu.Lock()
	lastSync := s.lastSync
	s.mu.Unlock()
	if lastSync.IsZero() {
		return errors.New("scheduler has not synced yet")
	}
	if since := s.clock.Since(lastSync); since > 3*s.config.SyncInterval {
		return errors.Errorf("scheduler last synced %s ago", since.Round(time.Second))
	}
	return nil
}
