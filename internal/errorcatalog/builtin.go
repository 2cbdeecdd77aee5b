package errorcatalog

// Builtin error names referenced by the scheduler.
const (
	UnknownError          = "unknown"
	AlgorithmUnknownError = "algorithm-unknown"
	TimeoutError          = "timeout"
	SystemTimeoutError    = "system-timeout"
	LaunchTimeoutError    = "launch-timeout"
	PullTimeoutError      = "pull-timeout"
	PreTimeoutError       = "pre-timeout"
	PostTimeoutError      = "post-timeout"
	NodeLostError         = "node-lost"
	TaskLaunchError       = "task-launch"
	DockerTaskLaunchError = "docker-task-launch"
	PullError             = "pull"
	SchedulerLostError    = "scheduler-lost"
	MesosLostError        = "mesos-lost"
	StarvationError       = "resource-starvation"
	PreGeneralError       = "pre-general"
	PostGeneralError      = "post-general"
	InvalidInputError     = "invalid-input"
	InvalidOutputError    = "invalid-output"
	SystemGeneralError    = "system-general"
)

type builtinError struct {
	name        string
	title       string
	description string
	category    Category
	retry       bool
}

// Order matters: ids are assigned in this order and must stay stable.
var builtinErrors = []builtinError{
	{UnknownError, "Unknown", "The cause of this failure is unknown.", System, false},
	{AlgorithmUnknownError, "Algorithm Unknown", "The algorithm failed with an exit code it does not map.", Algorithm, false},
	{TimeoutError, "Timeout", "The job timed out.", Algorithm, false},
	{SystemTimeoutError, "System Timeout", "A system job timed out.", System, true},
	{LaunchTimeoutError, "Launch Timeout", "The job execution timed out before its main task started.", System, true},
	{PullTimeoutError, "Pull Timeout", "Pulling the container image timed out.", System, true},
	{PreTimeoutError, "Pre-task Timeout", "The pre-task timed out.", System, true},
	{PostTimeoutError, "Post-task Timeout", "The post-task timed out.", System, true},
	{NodeLostError, "Node Lost", "The node running the job execution was lost.", System, true},
	{TaskLaunchError, "Task Launch", "The cluster manager failed to launch the task.", System, true},
	{DockerTaskLaunchError, "Docker Task Launch", "The container for the task failed to start.", System, true},
	{PullError, "Image Pull", "The container image could not be pulled.", System, true},
	{SchedulerLostError, "Scheduler Lost", "The scheduler restarted while the job execution was running.", System, true},
	{MesosLostError, "Cluster Manager Lost", "The cluster manager lost track of the task.", System, true},
	{StarvationError, "Resource Starvation", "No node could supply the resources for the next task.", System, false},
	{PreGeneralError, "Pre-task Failure", "The pre-task failed.", System, true},
	{PostGeneralError, "Post-task Failure", "The post-task failed.", System, true},
	{InvalidInputError, "Invalid Input", "The job's input data failed validation.", Data, false},
	{InvalidOutputError, "Invalid Output", "The job produced output that failed validation.", Data, false},
	{SystemGeneralError, "System Job Failure", "A system job exited with an error.", System, false},
}

// Exit code tables for tasks whose failures are attributed to the system rather than the algorithm.
var (
	PreTaskExitCodes = map[int]string{
		1:   PreGeneralError,
		4:   InvalidInputError,
		127: DockerTaskLaunchError,
	}
	PostTaskExitCodes = map[int]string{
		1:   PostGeneralError,
		5:   InvalidOutputError,
		127: DockerTaskLaunchError,
	}
	SystemJobExitCodes = map[int]string{
		1:   SystemGeneralError,
		127: DockerTaskLaunchError,
	}
	PullTaskExitCodes = map[int]string{
		1:   PullError,
		127: DockerTaskLaunchError,
	}
)
