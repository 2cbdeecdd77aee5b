package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/messaging/backends"
)

func validConfig() Configuration {
	return Configuration{
		Database: DatabaseConfig{Backend: MemDbBackend},
		Messaging: MessagingConfig{
			Manager: messaging.Config{BatchSize: 10},
			Broker:  backends.Config{Backend: backends.MemoryBackend},
		},
		Scheduler: SchedulerConfig{
			SyncInterval:                time.Second,
			SchedulingInterval:          time.Second,
			TaskHandlingInterval:        time.Second,
			MessagingInterval:           time.Second,
			ReconciliationInterval:      time.Second,
			StatusInterval:              time.Second,
			TaskUpdateInterval:          time.Second,
			FullReconciliationThreshold: time.Minute,
			MaxNewJobExes:               100,
			ShutdownTimeout:             5 * time.Second,
		},
		Workspace: WorkspaceConfig{Root: "/tmp/batchflow"},
		JobTypes: []JobTypeConfig{{
			Name:      "ingest",
			Version:   "1.0",
			Resources: map[string]resource.Quantity{"cpus": resource.MustParse("1"), "mem": resource.MustParse("1Gi")},
		}},
		Nodes:                    []NodeConfig{{AgentID: "agent-1", Hostname: "host-1"}},
		InternedStringsCacheSize: 1000,
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(c *Configuration)
		valid  bool
	}{
		"valid": {
			modify: func(c *Configuration) {},
			valid:  true,
		},
		"sqlite with a path": {
			modify: func(c *Configuration) {
				c.Database.Backend = SqliteBackend
				c.Database.SqlitePath = "/tmp/batchflow.db"
			},
			valid: true,
		},
		"sqlite without a path": {
			modify: func(c *Configuration) { c.Database.Backend = SqliteBackend },
		},
		"unknown database": {
			modify: func(c *Configuration) { c.Database.Backend = "mysql" },
		},
		"unknown broker": {
			modify: func(c *Configuration) { c.Messaging.Broker.Backend = "kafka" },
		},
		"redis broker without redis config": {
			modify: func(c *Configuration) { c.Messaging.Broker.Backend = backends.RedisBackend },
		},
		"zero batch size": {
			modify: func(c *Configuration) { c.Messaging.Manager.BatchSize = 0 },
		},
		"missing interval": {
			modify: func(c *Configuration) { c.Scheduler.SyncInterval = 0 },
		},
		"no new job executions": {
			modify: func(c *Configuration) { c.Scheduler.MaxNewJobExes = 0 },
		},
		"job type without version": {
			modify: func(c *Configuration) { c.JobTypes[0].Version = "" },
		},
		"node without hostname": {
			modify: func(c *Configuration) { c.Nodes[0].Hostname = "" },
		},
		"leader election with timings": {
			modify: func(c *Configuration) {
				c.LeaderElection = LeaderElectionConfig{Enabled: true, Interval: time.Second, Timeout: time.Minute}
			},
			valid: true,
		},
		"leader election without timings": {
			modify: func(c *Configuration) { c.LeaderElection.Enabled = true },
		},
		"missing workspace": {
			modify: func(c *Configuration) { c.Workspace.Root = "" },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := validConfig()
			tc.modify(&config)
			err := commonconfig.Validate(config)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
