package messages

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/recipe/definition"
	"github.com/G-Research/batchflow/internal/store"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeMover struct {
	deleted []int64
}

func (m *fakeMover) Upload(context.Context, string, *store.ScaleFile) error   { return nil }
func (m *fakeMover) Download(context.Context, *store.ScaleFile, string) error { return nil }

func (m *fakeMover) Move(_ context.Context, file *store.ScaleFile, newPath string) error {
	file.FilePath = newPath
	return nil
}

func (m *fakeMover) Delete(_ context.Context, files []*store.ScaleFile) error {
	for _, f := range files {
		m.deleted = append(m.deleted, f.ID)
	}
	return nil
}

// harness executes messages the way the messaging manager does: every message goes through the wire encoding
// and the registry before it runs, and whatever it produces is run in turn.
type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *store.MemDbStore
	clock    *clock.FakeClock
	registry *messaging.Registry
	mover    *fakeMover
	executed map[string]int
	// redeliver executes every message twice, as an at-least-once backend may.
	redeliver bool
}

func newHarness(t *testing.T) *harness {
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		clock:    clock.NewFakeClock(baseTime),
		registry: messaging.NewRegistry(),
		mover:    &fakeMover{},
		executed: map[string]int{},
	}
	RegisterAll(h.registry, &Env{Store: st, Clock: h.clock, Catalog: errorcatalog.NewCatalog(), Mover: h.mover})
	return h
}

func (h *harness) decode(msg messaging.CommandMessage) messaging.CommandMessage {
	raw, err := messaging.Marshal(msg, "test", h.clock.Now())
	require.NoError(h.t, err)
	_, decoded, err := h.registry.Decode(raw)
	require.NoError(h.t, err)
	return decoded
}

// run executes msgs and everything they lead to.
func (h *harness) run(msgs ...messaging.CommandMessage) {
	queue := append([]messaging.CommandMessage(nil), msgs...)
	for n := 0; len(queue) > 0; n++ {
		require.Less(h.t, n, 10000, "messages did not settle")
		msg := h.decode(queue[0])
		queue = queue[1:]
		next, err := msg.Execute(h.ctx)
		require.NoError(h.t, err)
		if h.redeliver {
			again, err := h.decode(msg).Execute(h.ctx)
			require.NoError(h.t, err)
			next = h.union(next, again)
		}
		h.executed[msg.Type()]++
		queue = append(queue, next...)
	}
}

// union adds the messages of b that are not already in a. Both deliveries of a message may have sent what they
// produced before being acknowledged.
func (h *harness) union(a, b []messaging.CommandMessage) []messaging.CommandMessage {
	seen := map[string]bool{}
	for _, msg := range a {
		seen[h.key(msg)] = true
	}
	for _, msg := range b {
		if !seen[h.key(msg)] {
			seen[h.key(msg)] = true
			a = append(a, msg)
		}
	}
	return a
}

func (h *harness) key(msg messaging.CommandMessage) string {
	body, err := json.Marshal(msg)
	require.NoError(h.t, err)
	return msg.Type() + string(body)
}

func (h *harness) update(fn func(tx store.Tx) error) {
	require.NoError(h.t, h.store.Update(h.ctx, fn))
}

func get[T any, P interface {
	*T
	store.Model
}](h *harness, id int64) P {
	var result P
	require.NoError(h.t, h.store.View(h.ctx, func(tx store.Tx) error {
		var err error
		result, err = store.Get[T, P](h.ctx, tx, id)
		return err
	}))
	return result
}

func list[T any, P interface {
	*T
	store.Model
}](h *harness, filter func(P) bool) []P {
	var result []P
	require.NoError(h.t, h.store.View(h.ctx, func(tx store.Tx) error {
		var err error
		result, err = store.List[T, P](h.ctx, tx, filter)
		return err
	}))
	return result
}

func jsonInterface(t *testing.T, names ...string) *data.Interface {
	iface := data.NewInterface()
	for _, name := range names {
		require.NoError(t, iface.AddParameter(data.NewJSONParameter(name, "string", true)))
	}
	return iface
}

func jsonData(t *testing.T, values map[string]string) *data.Data {
	d := data.NewData()
	for name, v := range values {
		require.NoError(t, d.AddJSONValue(name, v))
	}
	return d
}

// addJobType stores an active job type taking the json string inputs and producing the json string outputs.
func (h *harness) addJobType(name string, inputs, outputs []string) *store.JobType {
	jobType := &store.JobType{
		Name:            name,
		Version:         "1.0",
		RevisionNum:     1,
		IsActive:        true,
		MaxTries:        3,
		InputInterface:  jsonInterface(h.t, inputs...),
		OutputInterface: jsonInterface(h.t, outputs...),
		Created:         baseTime,
	}
	h.update(func(tx store.Tx) error { return store.Insert(h.ctx, tx, jobType) })
	return jobType
}

// addRecipeType stores an active recipe type, its revisions numbered from 1 in the order given.
func (h *harness) addRecipeType(name string, defs ...*definition.RecipeDefinition) *store.RecipeType {
	recipeType := &store.RecipeType{Name: name, RevisionNum: len(defs), IsActive: true, Created: baseTime}
	h.update(func(tx store.Tx) error {
		if err := store.Insert(h.ctx, tx, recipeType); err != nil {
			return err
		}
		for i, def := range defs {
			b, err := json.Marshal(def)
			if err != nil {
				return err
			}
			revision := &store.RecipeTypeRevision{RecipeTypeID: recipeType.ID, RevisionNum: i + 1, Definition: b, Created: baseTime}
			if err := store.Insert(h.ctx, tx, revision); err != nil {
				return err
			}
		}
		return nil
	})
	return recipeType
}

func (h *harness) addJob(status string, numExes int) *store.Job {
	job := &store.Job{
		JobTypeID:        h.addJobType("standalone", nil, nil).ID,
		Status:           status,
		NumExes:          numExes,
		MaxTries:         3,
		Input:            data.NewData(),
		Created:          baseTime,
		LastStatusChange: baseTime,
		LastModified:     baseTime,
	}
	h.update(func(tx store.Tx) error { return store.Insert(h.ctx, tx, job) })
	return job
}

// complete records output for the job's current execution and completes it.
func (h *harness) complete(jobID int64, output *data.Data) {
	job := get[store.Job](h, jobID)
	require.NotNil(h.t, job)
	h.update(func(tx store.Tx) error {
		return store.Insert(h.ctx, tx, &store.JobExecutionOutput{JobID: jobID, ExeNum: job.NumExes, Output: output})
	})
	h.run(CreateCompletedJobsMessages([]EndedJob{{Job: JobExeRef{ID: jobID, ExeNum: job.NumExes}, Ended: h.clock.Now()}})...)
}

func TestRegisterAll(t *testing.T) {
	h := newHarness(t)
	assert.Len(t, h.registry.Types(), 33)
	for _, messageType := range h.registry.Types() {
		msg, err := h.registry.New(messageType)
		require.NoError(t, err)
		assert.Equal(t, messageType, msg.Type())
	}
}

func TestStatusChangeGuards(t *testing.T) {
	tests := map[string]struct {
		status         string
		numExes        int
		send           func([]int64, time.Time) []messaging.CommandMessage
		offset         time.Duration
		expectedStatus string
	}{
		"pending job is blocked": {
			status:         store.JobStatusPending,
			send:           CreateBlockedJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusBlocked,
		},
		"older blocked update is ignored": {
			status:         store.JobStatusPending,
			send:           CreateBlockedJobsMessages,
			offset:         -time.Minute,
			expectedStatus: store.JobStatusPending,
		},
		"blocked job becomes pending": {
			status:         store.JobStatusBlocked,
			send:           CreatePendingJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusPending,
		},
		"queued job is never blocked": {
			status:         store.JobStatusQueued,
			numExes:        1,
			send:           CreateBlockedJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusQueued,
		},
		"running job is canceled": {
			status:         store.JobStatusRunning,
			numExes:        1,
			send:           CreateCancelJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusCanceled,
		},
		"completed job is not canceled": {
			status:         store.JobStatusCompleted,
			numExes:        1,
			send:           CreateCancelJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusCompleted,
		},
		"canceled job that never ran is uncanceled": {
			status:         store.JobStatusCanceled,
			send:           CreateUncancelJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusPending,
		},
		"older uncancel is ignored": {
			status:         store.JobStatusCanceled,
			send:           CreateUncancelJobsMessages,
			offset:         -time.Minute,
			expectedStatus: store.JobStatusCanceled,
		},
		"canceled job that ran stays canceled": {
			status:         store.JobStatusCanceled,
			numExes:        1,
			send:           CreateUncancelJobsMessages,
			offset:         time.Minute,
			expectedStatus: store.JobStatusCanceled,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			job := h.addJob(tc.status, tc.numExes)
			h.run(tc.send([]int64{job.ID}, baseTime.Add(tc.offset))...)
			assert.Equal(t, tc.expectedStatus, get[store.Job](h, job.ID).Status)
		})
	}
}

func TestUncancelOlderThanCancelIsIgnored(t *testing.T) {
	h := newHarness(t)
	job := h.addJob(store.JobStatusPending, 0)
	h.run(CreateCancelJobsMessages([]int64{job.ID}, baseTime.Add(2*time.Minute))...)
	h.run(CreateUncancelJobsMessages([]int64{job.ID}, baseTime.Add(time.Minute))...)

	result := get[store.Job](h, job.ID)
	assert.Equal(t, store.JobStatusCanceled, result.Status)
	assert.True(t, result.LastStatusChange.Equal(baseTime.Add(2*time.Minute)))
}

func TestExeNumGuards(t *testing.T) {
	tests := map[string]struct {
		exeNum         int
		expectedStatus string
	}{
		"current execution": {exeNum: 1, expectedStatus: store.JobStatusRunning},
		"stale execution":   {exeNum: 0, expectedStatus: store.JobStatusQueued},
		"future execution":  {exeNum: 2, expectedStatus: store.JobStatusQueued},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			job := h.addJob(store.JobStatusPending, 0)
			h.run(CreateQueuedJobsMessages([]JobExeRef{{ID: job.ID, ExeNum: 0}}, false, nil)...)
			queued := get[store.Job](h, job.ID)
			require.Equal(t, store.JobStatusQueued, queued.Status)
			require.Equal(t, 1, queued.NumExes)

			h.run(CreateRunningJobsMessages([]RunningJob{{NodeID: 7, Job: JobExeRef{ID: job.ID, ExeNum: tc.exeNum}, Started: baseTime}})...)
			assert.Equal(t, tc.expectedStatus, get[store.Job](h, job.ID).Status)
		})
	}
}

func TestQueuedJobsOnlyQueuesOnce(t *testing.T) {
	h := newHarness(t)
	h.redeliver = true
	job := h.addJob(store.JobStatusPending, 0)
	msgs := CreateQueuedJobsMessages([]JobExeRef{{ID: job.ID, ExeNum: 0}}, false, nil)
	h.run(append(msgs, msgs...)...)

	queued := get[store.Job](h, job.ID)
	assert.Equal(t, 1, queued.NumExes)
	entry := get[store.Queue](h, job.ID)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ExeNum)
}

func TestCompletedJobsAttachesOutput(t *testing.T) {
	h := newHarness(t)
	job := h.addJob(store.JobStatusPending, 0)
	h.run(CreateQueuedJobsMessages([]JobExeRef{{ID: job.ID, ExeNum: 0}}, false, nil)...)
	h.complete(job.ID, jsonData(t, map[string]string{"out": "done"}))

	completed := get[store.Job](h, job.ID)
	assert.Equal(t, store.JobStatusCompleted, completed.Status)
	require.NotNil(t, completed.Output)
	assert.Equal(t, "done", completed.Output.JSON["out"])
}
