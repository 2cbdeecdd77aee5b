package tasks

import (
	"github.com/G-Research/batchflow/internal/errorcatalog"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
)

// Role says what a task does. Job executions run pull, pre, main and post tasks; nodes run cleanup and health
// tasks.
type Role string

const (
	RolePull    Role = "pull"
	RolePre     Role = "pre"
	RoleMain    Role = "main"
	RolePost    Role = "post"
	RoleCleanup Role = "cleanup"
	RoleHealth  Role = "health"
)

// IsNodeTask is true for tasks that belong to a node rather than to a job execution.
func (r Role) IsNodeTask() bool {
	return r == RoleCleanup || r == RoleHealth
}

// Capability is the role specific behaviour of a task.
type Capability interface {
	GetResources() *resources.NodeResources
	// TimeoutError is the error assigned when the task times out, nil if timing out is not an error.
	TimeoutError(started bool) *errorcatalog.Error
	// DetermineError classifies a FAILED, KILLED or LOST update. Nil means success.
	DetermineError(update *TaskStatusUpdate, started bool) *errorcatalog.Error
}

// Reasons the cluster manager reports when a container never came up.
const (
	ReasonExecutorTerminated    = "REASON_EXECUTOR_TERMINATED"
	ReasonContainerLaunchFailed = "REASON_CONTAINER_LAUNCH_FAILED"
)

type exitCodeResolver func(exitCode int) *errorcatalog.Error

type capability struct {
	resources    *resources.NodeResources
	catalog      *errorcatalog.Catalog
	timeoutError string
	resolve      exitCodeResolver
}

func (c *capability) GetResources() *resources.NodeResources {
	if c.resources == nil {
		return resources.Empty()
	}
	return c.resources.Copy()
}

func (c *capability) TimeoutError(started bool) *errorcatalog.Error {
	if c.timeoutError == "" {
		return nil
	}
	if !started {
		return c.catalog.MustBuiltinError(errorcatalog.LaunchTimeoutError)
	}
	return c.catalog.MustBuiltinError(c.timeoutError)
}

func (c *capability) DetermineError(update *TaskStatusUpdate, started bool) *errorcatalog.Error {
	switch update.Status {
	case Finished:
		return nil
	case Lost:
		return c.catalog.MustBuiltinError(errorcatalog.MesosLostError)
	case Failed, Killed:
	default:
		return nil
	}
	if !started {
		if update.Reason == ReasonExecutorTerminated || update.Reason == ReasonContainerLaunchFailed {
			return c.catalog.MustBuiltinError(errorcatalog.DockerTaskLaunchError)
		}
		return c.catalog.MustBuiltinError(errorcatalog.TaskLaunchError)
	}
	if update.ExitCode == nil || c.resolve == nil {
		return c.catalog.GetUnknownError()
	}
	return c.resolve(*update.ExitCode)
}

func tableResolver(catalog *errorcatalog.Catalog, table map[int]string, defaultError string) exitCodeResolver {
	return func(exitCode int) *errorcatalog.Error {
		if exitCode == 0 {
			return nil
		}
		if e := catalog.GetErrorByExitCode(table, exitCode); e != nil {
			return e
		}
		return catalog.MustBuiltinError(defaultError)
	}
}

// PullCapability is for the task pulling a job type's image onto a node.
func PullCapability(catalog *errorcatalog.Catalog, res *resources.NodeResources) Capability {
	return &capability{
		resources:    res,
		catalog:      catalog,
		timeoutError: errorcatalog.PullTimeoutError,
		resolve:      tableResolver(catalog, errorcatalog.PullTaskExitCodes, errorcatalog.PullError),
	}
}

func PreCapability(catalog *errorcatalog.Catalog, res *resources.NodeResources) Capability {
	return &capability{
		resources:    res,
		catalog:      catalog,
		timeoutError: errorcatalog.PreTimeoutError,
		resolve:      tableResolver(catalog, errorcatalog.PreTaskExitCodes, errorcatalog.PreGeneralError),
	}
}

func PostCapability(catalog *errorcatalog.Catalog, res *resources.NodeResources) Capability {
	return &capability{
		resources:    res,
		catalog:      catalog,
		timeoutError: errorcatalog.PostTimeoutError,
		resolve:      tableResolver(catalog, errorcatalog.PostTaskExitCodes, errorcatalog.PostGeneralError),
	}
}

// SystemJobCapability is for the main task of a system job type. Its failures are the system's fault.
func SystemJobCapability(catalog *errorcatalog.Catalog, res *resources.NodeResources) Capability {
	return &capability{
		resources:    res,
		catalog:      catalog,
		timeoutError: errorcatalog.SystemTimeoutError,
		resolve:      tableResolver(catalog, errorcatalog.SystemJobExitCodes, errorcatalog.SystemGeneralError),
	}
}

// AlgorithmJobCapability is for the main task of a user job type. Exit codes go through the job type's mapping.
func AlgorithmJobCapability(catalog *errorcatalog.Catalog, res *resources.NodeResources, mapping *errorcatalog.JobErrorMapping) Capability {
	return &capability{
		resources:    res,
		catalog:      catalog,
		timeoutError: errorcatalog.TimeoutError,
		resolve: func(exitCode int) *errorcatalog.Error {
			return mapping.GetError(exitCode, errorcatalog.AlgorithmUnknownError)
		},
	}
}

// NodeTaskResources is what a cleanup or health task holds.
var NodeTaskResources = resources.MustNodeResources(map[string]float64{resources.CPUs: 0.1, resources.Mem: 32})

type nodeCapability struct{}

func (nodeCapability) GetResources() *resources.NodeResources {
	return NodeTaskResources.Copy()
}

func (nodeCapability) TimeoutError(bool) *errorcatalog.Error {
	return nil
}

func (nodeCapability) DetermineError(*TaskStatusUpdate, bool) *errorcatalog.Error {
	return nil
}

// NodeCapability is for cleanup and health tasks, whose failures are handled by the node rather than reported as
// errors.
func NodeCapability() Capability {
	return nodeCapability{}
}
