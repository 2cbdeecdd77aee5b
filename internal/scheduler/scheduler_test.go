package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/batchflow/internal/common/stringinterner"
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/messages"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/messaging/backends"
	"github.com/G-Research/batchflow/internal/scheduler/cluster"
	"github.com/G-Research/batchflow/internal/scheduler/configuration"
	"github.com/G-Research/batchflow/internal/scheduler/node"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
	"github.com/G-Research/batchflow/internal/storage"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	testAgentID  = "agent-1"
	testHostname = "host-1"
)

var testStart = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx       context.Context
	scheduler *Scheduler
	cluster   *cluster.FakeCluster
	store     store.Store
	clock     *clock.FakeClock
}

func testSchedulerConfig() configuration.SchedulerConfig {
	return configuration.SchedulerConfig{
		SyncInterval:                time.Second,
		SchedulingInterval:          time.Second,
		TaskHandlingInterval:        time.Second,
		MessagingInterval:           time.Second,
		ReconciliationInterval:      time.Second,
		StatusInterval:              time.Second,
		TaskUpdateInterval:          time.Second,
		FullReconciliationThreshold: time.Minute,
		MaxNewJobExes:               10,
		ShutdownTimeout:             time.Second,
	}
}

func newTestEnv(t *testing.T, jobTypes ...*store.JobType) *testEnv {
	ctx := context.Background()
	testClock := clock.NewFakeClock(testStart)
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	if len(jobTypes) > 0 {
		require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
			return store.Insert(ctx, tx, jobTypes...)
		}))
	}

	catalog := errorcatalog.NewCatalog()
	registry := messaging.NewRegistry()
	messages.RegisterAll(registry, &messages.Env{
		Store:   st,
		Clock:   testClock,
		Catalog: catalog,
		Mover:   storage.NewLocalMover(t.TempDir()),
	})
	messageManager := messaging.NewManager(
		backends.NewMemory(testClock, time.Minute),
		registry,
		messaging.NewMemoryLedger(time.Hour),
		testClock,
		messaging.Config{BatchSize: 10},
	)

	fakeCluster := cluster.NewFakeCluster([]cluster.Agent{{
		AgentID:   testAgentID,
		Hostname:  testHostname,
		Resources: resources.MustNodeResources(map[string]float64{resources.CPUs: 4, resources.Mem: 4096, resources.Disk: 10000}),
	}}, cluster.FakeConfig{}, testClock)

	s := NewScheduler(testSchedulerConfig(), st, fakeCluster, messageManager, catalog, stringinterner.New(100), testClock)
	return &testEnv{ctx: ctx, scheduler: s, cluster: fakeCluster, store: st, clock: testClock}
}

func testJobType(name string) *store.JobType {
	return &store.JobType{
		Name:        name,
		Version:     "1.0",
		IsActive:    true,
		IsPublished: true,
		MaxTries:    1,
		Timeout:     3600,
		Resources:   resources.MustNodeResources(map[string]float64{resources.CPUs: 1, resources.Mem: 512, resources.Disk: 100}),
		Created:     testStart,
	}
}

// cycle runs every loop once, in the order a running scheduler would typically hit them.
func (e *testEnv) cycle(t *testing.T) {
	require.NoError(t, e.scheduler.sync(e.ctx))
	e.cluster.Tick(e.ctx)
	_, err := e.scheduler.schedule(e.ctx)
	require.NoError(t, err)
	require.NoError(t, e.scheduler.handleTasks(e.ctx))
	e.drainMessages(t)
	require.NoError(t, e.scheduler.saveTaskUpdates(e.ctx))
}

func (e *testEnv) drainMessages(t *testing.T) {
	require.NoError(t, e.scheduler.handleMessages(e.ctx))
	for i := 0; i < 20; i++ {
		n, err := e.scheduler.messages.ReceiveMessages(e.ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("command messages did not drain")
}

func (e *testEnv) node(t *testing.T) *node.Node {
	nodes := e.scheduler.nodeManager.GetNodes()
	require.Len(t, nodes, 1)
	return nodes[0]
}

func (e *testEnv) readyNode(t *testing.T) *node.Node {
	for i := 0; i < 5; i++ {
		e.cycle(t)
		if n := e.node(t); n.State() == node.Ready {
			return n
		}
	}
	t.Fatalf("node never became ready, state %s", e.node(t).State())
	return nil
}

func (e *testEnv) queueJob(t *testing.T, jobType *store.JobType, priority int) *store.Job {
	queued := e.clock.Now()
	job := &store.Job{
		JobTypeID:        jobType.ID,
		Status:           store.JobStatusQueued,
		NumExes:          1,
		MaxTries:         jobType.MaxTries,
		Priority:         priority,
		Timeout:          jobType.Timeout,
		Created:          queued,
		Queued:           &queued,
		LastStatusChange: queued,
		LastModified:     queued,
	}
	require.NoError(t, e.store.Update(e.ctx, func(tx store.Tx) error {
		if err := store.Insert(e.ctx, tx, job); err != nil {
			return err
		}
		return store.Insert(e.ctx, tx, &store.Queue{
			ID:        job.ID,
			JobTypeID: jobType.ID,
			ExeNum:    1,
			Priority:  priority,
			Timeout:   jobType.Timeout,
			Queued:    queued,
		})
	}))
	return job
}

func (e *testEnv) job(t *testing.T, id int64) *store.Job {
	var job *store.Job
	require.NoError(t, e.store.View(e.ctx, func(tx store.Tx) error {
		var err error
		job, err = store.Get[store.Job](e.ctx, tx, id)
		return err
	}))
	require.NotNil(t, job)
	return job
}

func TestScheduler_NodeBecomesReadyAfterInitialCleanup(t *testing.T) {
	env := newTestEnv(t)

	env.cycle(t)
	n := env.node(t)
	assert.Equal(t, node.InitialCleanup, n.State())
	launched := env.scheduler.taskManager.GetAllTasks()
	roles := map[tasks.Role]bool{}
	for _, task := range launched {
		roles[task.Role()] = true
	}
	assert.Equal(t, map[tasks.Role]bool{tasks.RoleCleanup: true, tasks.RoleHealth: true}, roles)

	n = env.readyNode(t)
	assert.True(t, n.IsInitialCleanupCompleted())
	assert.Empty(t, env.scheduler.taskManager.GetAllTasks())
}

func TestScheduler_RunsQueuedJobToCompletion(t *testing.T) {
	jobType := testJobType("job-type")
	env := newTestEnv(t, jobType)
	env.readyNode(t)
	job := env.queueJob(t, jobType, 100)

	for i := 0; i < 20 && env.job(t, job.ID).Status != store.JobStatusCompleted; i++ {
		env.cycle(t)
	}

	assert.Equal(t, store.JobStatusCompleted, env.job(t, job.ID).Status)
	assert.Empty(t, env.scheduler.jobExeManager.GetAllJobExes())
	require.NoError(t, env.store.View(env.ctx, func(tx store.Tx) error {
		queue, err := store.List[store.Queue](env.ctx, tx, nil)
		require.NoError(t, err)
		assert.Empty(t, queue)

		exes, err := store.List(env.ctx, tx, func(e *store.JobExecution) bool { return e.JobID == job.ID })
		require.NoError(t, err)
		require.Len(t, exes, 1)
		assert.Equal(t, fmt.Sprintf("batchflow_job_%d_1", job.ID), exes[0].ClusterID)

		updates, err := store.List(env.ctx, tx, func(u *store.TaskUpdate) bool { return u.JobID == job.ID })
		require.NoError(t, err)
		// Pre, main and post each stage, run and finish
		assert.Len(t, updates, 9)
		return nil
	}))
}

func TestScheduler_FailedMainTaskFailsJob(t *testing.T) {
	jobType := testJobType("job-type")
	env := newTestEnv(t, jobType)
	env.readyNode(t)
	job := env.queueJob(t, jobType, 100)

	env.cycle(t)
	exes := env.scheduler.jobExeManager.GetAllJobExes()
	require.Len(t, exes, 1)
	env.cluster.SetExitCode(tasks.JobTaskID(exes[0].ID(), tasks.RoleMain, 0), 1)

	for i := 0; i < 20 && env.job(t, job.ID).Status != store.JobStatusFailed; i++ {
		env.cycle(t)
	}

	failed := env.job(t, job.ID)
	assert.Equal(t, store.JobStatusFailed, failed.Status)
	assert.NotZero(t, failed.ErrorID)
	assert.Empty(t, env.scheduler.jobExeManager.GetAllJobExes())
}

func TestScheduler_QueuedJobLimits(t *testing.T) {
	tests := map[string]struct {
		configure       func(jobType *store.JobType)
		pauseScheduler  bool
		numJobs         int
		expectedJobExes int
	}{
		"jobs fit": {
			numJobs:         2,
			expectedJobExes: 2,
		},
		"paused job type": {
			configure:       func(jobType *store.JobType) { jobType.IsPaused = true },
			numJobs:         2,
			expectedJobExes: 0,
		},
		"max scheduled": {
			configure:       func(jobType *store.JobType) { jobType.MaxScheduled = 1 },
			numJobs:         3,
			expectedJobExes: 1,
		},
		"not enough resources": {
			configure: func(jobType *store.JobType) {
				jobType.Resources = resources.MustNodeResources(map[string]float64{resources.CPUs: 3, resources.Mem: 512})
			},
			numJobs:         2,
			expectedJobExes: 1,
		},
		"paused scheduler": {
			pauseScheduler:  true,
			numJobs:         1,
			expectedJobExes: 0,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			jobType := testJobType("job-type")
			if tc.configure != nil {
				tc.configure(jobType)
			}
			env := newTestEnv(t, jobType)
			env.readyNode(t)
			if tc.pauseScheduler {
				require.NoError(t, env.store.Update(env.ctx, func(tx store.Tx) error {
					scheduler, err := store.GetScheduler(env.ctx, tx)
					if err != nil {
						return err
					}
					scheduler.IsPaused = true
					return store.Save(env.ctx, tx, scheduler)
				}))
			}
			for i := 0; i < tc.numJobs; i++ {
				env.queueJob(t, jobType, 100)
			}

			env.cycle(t)

			assert.Len(t, env.scheduler.jobExeManager.GetAllJobExes(), tc.expectedJobExes)
		})
	}
}

func TestScheduler_QueueOrder(t *testing.T) {
	jobType := testJobType("job-type")
	jobType.Resources = resources.MustNodeResources(map[string]float64{resources.CPUs: 3, resources.Mem: 512})
	env := newTestEnv(t, jobType)
	env.readyNode(t)
	low := env.queueJob(t, jobType, 200)
	high := env.queueJob(t, jobType, 50)

	env.cycle(t)

	exes := env.scheduler.jobExeManager.GetAllJobExes()
	require.Len(t, exes, 1)
	assert.Equal(t, high.ID, exes[0].JobID())
	assert.Equal(t, store.JobStatusRunning, env.job(t, high.ID).Status)
	assert.Equal(t, store.JobStatusQueued, env.job(t, low.ID).Status)
}

func TestScheduler_AgentLostFailsJobExes(t *testing.T) {
	jobType := testJobType("job-type")
	env := newTestEnv(t, jobType)
	env.readyNode(t)
	job := env.queueJob(t, jobType, 100)
	env.cycle(t)
	require.Len(t, env.scheduler.jobExeManager.GetAllJobExes(), 1)

	env.cluster.LoseAgent(testAgentID)

	assert.Equal(t, node.Offline, env.node(t).State())
	assert.Empty(t, env.scheduler.jobExeManager.GetAllJobExes())
	assert.Empty(t, env.scheduler.taskManager.GetAllTasks())
	env.drainMessages(t)
	assert.Equal(t, store.JobStatusFailed, env.job(t, job.ID).Status)
}

func TestScheduler_KillsUnknownTasks(t *testing.T) {
	env := newTestEnv(t)
	env.readyNode(t)

	env.scheduler.handleStatus(tasks.RawTaskStatus{
		TaskID:    "batchflow_job_99_main_0",
		AgentID:   testAgentID,
		State:     "TASK_RUNNING",
		Timestamp: env.clock.Now(),
	})

	assert.Empty(t, env.scheduler.taskManager.GetAllTasks())
	assert.Empty(t, env.scheduler.jobExeManager.GetAllJobExes())
}

func TestScheduler_Check(t *testing.T) {
	env := newTestEnv(t)
	assert.Error(t, env.scheduler.Check())

	require.NoError(t, env.scheduler.sync(env.ctx))
	assert.NoError(t, env.scheduler.Check())

	env.clock.Step(time.Hour)
	assert.Error(t, env.scheduler.Check())
}

func TestScheduler_UpdateStatus(t *testing.T) {
	jobType := testJobType("job-type")
	jobType.IsPaused = true
	env := newTestEnv(t, jobType)
	env.readyNode(t)
	env.queueJob(t, jobType, 100)

	require.NoError(t, env.scheduler.updateStatus(env.ctx))

	var status Status
	require.NoError(t, env.store.View(env.ctx, func(tx store.Tx) error {
		scheduler, err := store.GetScheduler(env.ctx, tx)
		require.NoError(t, err)
		require.NotNil(t, scheduler.StatusUpdated)
		assert.Equal(t, testStart, *scheduler.StatusUpdated)
		return json.Unmarshal(scheduler.Status, &status)
	}))
	assert.Equal(t, 1, status.NumQueuedJobs)
	require.Len(t, status.Nodes, 1)
	assert.Equal(t, testHostname, status.Nodes[0].Hostname)
	assert.Equal(t, node.Ready, status.Nodes[0].State)
	require.Len(t, status.JobTypes, 1)
	assert.True(t, status.JobTypes[0].IsPaused)
}

func TestSeedJobTypes(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	configs := []configuration.JobTypeConfig{
		{Name: "ingest", Version: "1.0", Inputs: []string{"input_file"}, Outputs: []string{"output_file"}},
		{Name: "cleanup", Version: "2.0", IsSystem: true, MaxTries: 1},
	}

	require.NoError(t, SeedJobTypes(ctx, st, configs, testStart))
	// A second run leaves the existing job types alone
	require.NoError(t, SeedJobTypes(ctx, st, configs, testStart.Add(time.Hour)))

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		jobTypes, err := store.List[store.JobType](ctx, tx, nil)
		require.NoError(t, err)
		require.Len(t, jobTypes, 2)

		ingest, err := store.GetJobTypeByName(ctx, tx, "ingest", "1.0")
		require.NoError(t, err)
		require.NotNil(t, ingest)
		assert.Equal(t, testStart, ingest.Created)
		assert.Equal(t, 3, ingest.MaxTries)
		assert.True(t, ingest.IsPublished)
		assert.Equal(t, []string{"input_file"}, ingest.GetInputInterface().Names())

		cleanup, err := store.GetJobTypeByName(ctx, tx, "cleanup", "2.0")
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		assert.True(t, cleanup.IsSystem)
		assert.False(t, cleanup.IsPublished)
		assert.Equal(t, 1, cleanup.MaxTries)
		return nil
	}))
}
