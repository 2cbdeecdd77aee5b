package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/batchflow/internal/common/database"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/messaging/backends"
)

const (
	MemDbBackend    = "memdb"
	SqliteBackend   = "sqlite"
	PostgresBackend = "postgres"
)

type Configuration struct {
	// Where the scheduler's records live
	Database DatabaseConfig
	// Broker and manager settings for command messages
	Messaging MessagingConfig
	// Loop intervals and scheduling limits
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
	// Root directory of the local workspace files are moved within
	Workspace WorkspaceConfig
	// Ledger of executed command messages, only used with the postgres database
	DedupTable DedupTableConfig
	// Job types created on startup if they do not exist yet
	JobTypes []JobTypeConfig `validate:"dive"`
	// Agents of the in-process cluster
	Nodes []NodeConfig `validate:"dive"`
	// How tasks behave on the in-process cluster
	FakeCluster FakeClusterConfig
	// Only used with the postgres database
	LeaderElection LeaderElectionConfig
	// Maximum number of strings that should be cached at any one time
	InternedStringsCacheSize uint32 `validate:"required"`
}

type DatabaseConfig struct {
	Backend    string `validate:"oneof=memdb sqlite postgres"`
	Postgres   database.PostgresConfig
	SqlitePath string `validate:"required_if=Backend sqlite"`
}

type MessagingConfig struct {
	Manager messaging.Config `mapstructure:",squash"`
	Broker  backends.Config  `mapstructure:",squash"`
}

type SchedulerConfig struct {
	SyncInterval           time.Duration `validate:"required"`
	SchedulingInterval     time.Duration `validate:"required"`
	TaskHandlingInterval   time.Duration `validate:"required"`
	MessagingInterval      time.Duration `validate:"required"`
	ReconciliationInterval time.Duration `validate:"required"`
	StatusInterval         time.Duration `validate:"required"`
	TaskUpdateInterval     time.Duration `validate:"required"`
	// A loop that takes longer than this is logged at warn
	WarnThreshold time.Duration
	// How long a reconciled task waits before it is reconciled again
	FullReconciliationThreshold time.Duration `validate:"required"`
	// Maximum number of job executions scheduled per scheduling loop
	MaxNewJobExes int `validate:"gt=0"`
	// Image node cleanup, health and pull tasks run in
	NodeImage string
	// How long to wait for threads to stop on shutdown
	ShutdownTimeout time.Duration `validate:"required"`
}

type MetricsConfig struct {
	// Port the prometheus endpoint listens on. Metrics are not served when zero.
	Port uint16
}

type WorkspaceConfig struct {
	Root string `validate:"required"`
}

type DedupTableConfig struct {
	TableName string
	// Number of envelope ids cached in memory
	CacheSize int
	// How long executed envelope ids are remembered
	Retention time.Duration
}

type JobTypeConfig struct {
	Name         string `validate:"required"`
	Version      string `validate:"required"`
	IsSystem     bool
	MaxScheduled int
	MaxTries     int
	Priority     int
	// Seconds
	Timeout     int
	DockerImage string
	Command     string
	Resources   map[string]resource.Quantity
	// Parameter names of the JSON input and output interfaces
	Inputs       []string
	Outputs      []string
	ErrorMapping map[int]string
}

type NodeConfig struct {
	AgentID   string `validate:"required"`
	Hostname  string `validate:"required"`
	Resources map[string]resource.Quantity
}

type FakeClusterConfig struct {
	StartDelay  time.Duration
	RunDuration time.Duration
	// How often the in-process cluster advances its tasks and makes offers
	TickInterval time.Duration
}

type LeaderElectionConfig struct {
	// When set, instances sharing a postgres database elect one of them to run the scheduler
	Enabled bool
	// How often the leader renews and standby instances try to take over
	Interval time.Duration `validate:"required_if=Enabled true"`
	// How long the leader may go without renewing before another instance takes over
	Timeout time.Duration `validate:"required_if=Enabled true"`
}
