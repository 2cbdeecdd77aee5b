package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
)

const (
	stateStaging  = "TASK_STAGING"
	stateRunning  = "TASK_RUNNING"
	stateFinished = "TASK_FINISHED"
	stateFailed   = "TASK_FAILED"
	stateKilled   = "TASK_KILLED"
	stateLost     = "TASK_LOST"
)

// FakeConfig controls how tasks progress on a FakeCluster.
type FakeConfig struct {
	// How long a launched task stages before it starts running.
	StartDelay time.Duration
	// How long a running task runs before it finishes.
	RunDuration time.Duration
}

type fakeAgent struct {
	agent  Agent
	used   *resources.NodeResources
	offers map[string]*resources.ResourceOffer
	online bool
}

type fakeTask struct {
	id        string
	agentID   string
	state     string
	resources *resources.NodeResources
	launched  time.Time
	started   time.Time
	exitCode  int
	message   string
}

func (t *fakeTask) isTerminal() bool {
	return t.state == stateFinished || t.state == stateFailed || t.state == stateKilled || t.state == stateLost
}

// FakeCluster is an in-process cluster manager. Tasks stage, run and finish as its clock advances, driven by
// calls to Tick. It backs the scheduler's standalone mode and its tests.
type FakeCluster struct {
	mu          sync.Mutex
	config      FakeConfig
	clock       clock.PassiveClock
	callbacks   Callbacks
	agents      map[string]*fakeAgent
	tasks       map[string]*fakeTask
	exitCodes   map[string]int
	nextOfferID int
}

func NewFakeCluster(agents []Agent, config FakeConfig, clock clock.PassiveClock) *FakeCluster {
	c := &FakeCluster{
		config:    config,
		clock:     clock,
		agents:    map[string]*fakeAgent{},
		tasks:     map[string]*fakeTask{},
		exitCodes: map[string]int{},
	}
	for _, agent := range agents {
		c.addAgent(agent)
	}
	return c
}

func (c *FakeCluster) addAgent(agent Agent) {
	if agent.Resources == nil {
		agent.Resources = resources.Empty()
	}
	c.agents[agent.AgentID] = &fakeAgent{
		agent:  agent,
		used:   resources.Empty(),
		offers: map[string]*resources.ResourceOffer{},
		online: true,
	}
}

func (c *FakeCluster) Register(callbacks Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = callbacks
}

// SetExitCode makes the task with the given id exit with exitCode instead of finishing successfully.
func (c *FakeCluster) SetExitCode(taskID string, exitCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitCodes[taskID] = exitCode
}

type events struct {
	offers    []*resources.ResourceOffer
	rescinded []string
	statuses  []tasks.RawTaskStatus
	lost      []string
}

func (c *FakeCluster) deliver(e events) {
	c.mu.Lock()
	callbacks := c.callbacks
	c.mu.Unlock()
	if callbacks.AgentLost != nil {
		for _, agentID := range e.lost {
			callbacks.AgentLost(agentID)
		}
	}
	if callbacks.Rescinded != nil {
		for _, offerID := range e.rescinded {
			callbacks.Rescinded(offerID)
		}
	}
	if callbacks.Status != nil {
		for _, status := range e.statuses {
			callbacks.Status(status)
		}
	}
	if callbacks.Offers != nil && len(e.offers) > 0 {
		callbacks.Offers(e.offers)
	}
}

func (c *FakeCluster) status(task *fakeTask, now time.Time) tasks.RawTaskStatus {
	status := tasks.RawTaskStatus{
		TaskID:    task.id,
		AgentID:   task.agentID,
		State:     task.state,
		Timestamp: now,
		Source:    "SOURCE_EXECUTOR",
		Message:   task.message,
	}
	if task.state == stateFinished || task.state == stateFailed {
		exitCode := task.exitCode
		status.ExitCode = &exitCode
	}
	return status
}

func (c *FakeCluster) release(task *fakeTask) {
	if agent, ok := c.agents[task.agentID]; ok {
		agent.used.Subtract(task.resources)
	}
}

// Tick moves every task along according to the clock and offers each online agent its free resources.
func (c *FakeCluster) Tick(_ context.Context) {
	var e events
	c.mu.Lock()
	now := c.clock.Now()
	for _, taskID := range sortedKeys(c.tasks) {
		task := c.tasks[taskID]
		switch task.state {
		case stateStaging:
			if now.Sub(task.launched) >= c.config.StartDelay {
				task.state = stateRunning
				task.started = now
				e.statuses = append(e.statuses, c.status(task, now))
			}
		case stateRunning:
			if now.Sub(task.started) >= c.config.RunDuration {
				task.state = stateFinished
				if exitCode, ok := c.exitCodes[task.id]; ok && exitCode != 0 {
					task.state = stateFailed
					task.exitCode = exitCode
					task.message = fmt.Sprintf("Command exited with status %d", exitCode)
				}
				c.release(task)
				e.statuses = append(e.statuses, c.status(task, now))
			}
		}
	}
	for _, agentID := range sortedKeys(c.agents) {
		agent := c.agents[agentID]
		if !agent.online || len(agent.offers) > 0 {
			continue
		}
		free := agent.agent.Resources.Copy()
		free.Subtract(agent.used)
		if free.IsEqual(resources.Empty()) {
			continue
		}
		c.nextOfferID++
		offer := &resources.ResourceOffer{
			ID:        fmt.Sprintf("offer-%d", c.nextOfferID),
			AgentID:   agentID,
			Resources: free,
			Received:  now,
		}
		agent.offers[offer.ID] = offer
		e.offers = append(e.offers, offer)
	}
	c.mu.Unlock()
	c.deliver(e)
}

func (c *FakeCluster) LaunchTasks(_ context.Context, offers []*resources.ResourceOffer, toLaunch []*tasks.Task) error {
	if len(offers) == 0 {
		return errors.New("no offers to launch tasks with")
	}
	var e events
	c.mu.Lock()
	agentID := offers[0].AgentID
	agent, ok := c.agents[agentID]
	if !ok || !agent.online {
		c.mu.Unlock()
		return errors.Errorf("agent %s is not online", agentID)
	}
	offered := resources.Empty()
	for _, offer := range offers {
		held, ok := agent.offers[offer.ID]
		if !ok || offer.AgentID != agentID {
			c.mu.Unlock()
			return errors.Errorf("offer %s is not held on agent %s", offer.ID, agentID)
		}
		offered.Add(held.Resources)
	}
	required := resources.Empty()
	for _, task := range toLaunch {
		required.Add(task.GetResources())
	}
	if !offered.IsSufficientToMeet(required) {
		c.mu.Unlock()
		return errors.Errorf("offers on agent %s provide %s, tasks need %s", agentID, offered, required)
	}
	for _, offer := range offers {
		delete(agent.offers, offer.ID)
	}
	now := c.clock.Now()
	for _, task := range toLaunch {
		ft := &fakeTask{
			id:        task.ID(),
			agentID:   agentID,
			state:     stateStaging,
			resources: task.GetResources(),
			launched:  now,
		}
		c.tasks[ft.id] = ft
		agent.used.Add(ft.resources)
		e.statuses = append(e.statuses, c.status(ft, now))
	}
	c.mu.Unlock()
	log.Debugf("launched %d task(s) on agent %s", len(toLaunch), agentID)
	c.deliver(e)
	return nil
}

func (c *FakeCluster) DeclineOffers(_ context.Context, offers []*resources.ResourceOffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, offer := range offers {
		if agent, ok := c.agents[offer.AgentID]; ok {
			delete(agent.offers, offer.ID)
		}
	}
	return nil
}

func (c *FakeCluster) KillTask(_ context.Context, taskID, _ string) error {
	var e events
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if ok && !task.isTerminal() {
		task.state = stateKilled
		c.release(task)
		e.statuses = append(e.statuses, c.status(task, c.clock.Now()))
	}
	c.mu.Unlock()
	c.deliver(e)
	return nil
}

// ReconcileTasks resends the current state of each task. Tasks the cluster has no record of are reported lost.
func (c *FakeCluster) ReconcileTasks(_ context.Context, requests []tasks.ReconcileRequest) error {
	var e events
	c.mu.Lock()
	now := c.clock.Now()
	for _, request := range requests {
		task, ok := c.tasks[request.TaskID]
		if !ok {
			task = &fakeTask{id: request.TaskID, agentID: request.AgentID, state: stateLost}
		}
		e.statuses = append(e.statuses, c.status(task, now))
	}
	c.mu.Unlock()
	c.deliver(e)
	return nil
}

func (c *FakeCluster) GetAgents(_ context.Context) ([]Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var agents []Agent
	for _, agentID := range sortedKeys(c.agents) {
		if agent := c.agents[agentID]; agent.online {
			agents = append(agents, agent.agent)
		}
	}
	return agents, nil
}

// LoseAgent takes an agent offline. Its tasks are lost and its offers rescinded.
func (c *FakeCluster) LoseAgent(agentID string) {
	var e events
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	agent.online = false
	e.lost = append(e.lost, agentID)
	for _, offerID := range sortedKeys(agent.offers) {
		e.rescinded = append(e.rescinded, offerID)
	}
	agent.offers = map[string]*resources.ResourceOffer{}
	now := c.clock.Now()
	for _, taskID := range sortedKeys(c.tasks) {
		task := c.tasks[taskID]
		if task.agentID == agentID && !task.isTerminal() {
			task.state = stateLost
			c.release(task)
			e.statuses = append(e.statuses, c.status(task, now))
		}
	}
	c.mu.Unlock()
	c.deliver(e)
}

// RestoreAgent brings a lost agent back, or adds a new one.
func (c *FakeCluster) RestoreAgent(agent Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.agents[agent.AgentID]; ok {
		existing.online = true
		return
	}
	c.addAgent(agent)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}
