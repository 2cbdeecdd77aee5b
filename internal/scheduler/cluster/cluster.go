// Package cluster is the scheduler's view of the cluster manager: agents offer resources, tasks are launched
// against those offers and status updates come back asynchronously.
package cluster

import (
	"context"

	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/scheduler/tasks"
)

// Agent is a node as the cluster manager knows it.
type Agent struct {
	AgentID   string
	Hostname  string
	Resources *resources.NodeResources
}

// Callbacks receive the cluster manager's asynchronous events. Any of them may be nil.
type Callbacks struct {
	Offers    func(offers []*resources.ResourceOffer)
	Rescinded func(offerID string)
	Status    func(status tasks.RawTaskStatus)
	AgentLost func(agentID string)
}

// Client is the contract between the scheduler and a cluster manager.
type Client interface {
	tasks.Reconciler
	// Register installs the event callbacks. It must be called before any other method.
	Register(callbacks Callbacks)
	// LaunchTasks runs tasks using the given offers, all from the same agent. Offers not needed are released.
	LaunchTasks(ctx context.Context, offers []*resources.ResourceOffer, toLaunch []*tasks.Task) error
	// DeclineOffers hands offers back unused.
	DeclineOffers(ctx context.Context, offers []*resources.ResourceOffer) error
	KillTask(ctx context.Context, taskID, agentID string) error
	GetAgents(ctx context.Context) ([]Agent, error)
}
