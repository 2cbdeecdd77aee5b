package node

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// NodeError is a condition that degrades a node.
type NodeError struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// Set for errors that mean the container daemon cannot be used, so even cleanup cannot run
	DaemonBad bool `json:"-"`
	// Set for errors that mean an image pull would fail
	PullBad bool `json:"-"`
}

var (
	BadDaemonErr = NodeError{
		Name: "BAD_DAEMON", Title: "Docker Not Responding",
		Description: "The Docker daemon on this node is not responding.", DaemonBad: true, PullBad: true,
	}
	BadLogstashErr = NodeError{
		Name: "BAD_LOGSTASH", Title: "Log Forwarder Not Responding",
		Description: "The log forwarder is not responding to this node.",
	}
	CleanupErr = NodeError{
		Name: "CLEANUP", Title: "Cleanup Failure",
		Description: "The node failed to clean up some containers and volumes.",
	}
	HealthFailErr = NodeError{
		Name: "HEALTH_FAIL", Title: "Health Check Failure",
		Description: "The last node health check failed with an unknown exit code.",
	}
	HealthTimeoutErr = NodeError{
		Name: "HEALTH_TIMEOUT", Title: "Health Check Timeout",
		Description: "The last node health check timed out.",
	}
	ImagePullErr = NodeError{
		Name: "IMAGE_PULL", Title: "Image Pull Failure",
		Description: "The node failed to pull the scheduler's Docker image from the registry.",
	}
	LowDockerSpaceErr = NodeError{
		Name: "LOW_DOCKER_SPACE", Title: "Low Docker Disk Space",
		Description: "The free disk space available to Docker is low.", PullBad: true,
	}

	healthErrors = []NodeError{BadDaemonErr, BadLogstashErr, HealthFailErr, HealthTimeoutErr, LowDockerSpaceErr}
)

// Exit codes of the health check task.
const (
	HealthBadDaemonCode      = 2
	HealthLowDockerSpaceCode = 3
	HealthBadLogstashCode    = 4
)

// ActiveError is a NodeError currently affecting a node.
type ActiveError struct {
	NodeError
	Started     time.Time `json:"started"`
	LastUpdated time.Time `json:"last_updated"`
}

// conditions tracks the errors active on one node. It is guarded by its node's lock.
type conditions struct {
	hostname            string
	activeErrors        map[string]*ActiveError
	isHealthCheckNormal bool
	isDaemonBad         bool
	isPullBad           bool
}

func newConditions(hostname string) *conditions {
	return &conditions{
		hostname:            hostname,
		activeErrors:        map[string]*ActiveError{},
		isHealthCheckNormal: true,
	}
}

func (c *conditions) handleCleanupTaskCompleted() {
	c.errorInactive(CleanupErr)
	c.update()
}

func (c *conditions) handleCleanupTaskFailed(when time.Time) {
	c.errorActive(CleanupErr, when)
	c.update()
}

func (c *conditions) handleHealthTaskCompleted() {
	c.isHealthCheckNormal = true
	c.allHealthErrorsInactive()
	c.update()
}

func (c *conditions) handleHealthTaskFailed(exitCode *int, when time.Time) {
	c.isHealthCheckNormal = false
	c.allHealthErrorsInactive()
	code := -1
	if exitCode != nil {
		code = *exitCode
	}
	switch code {
	case HealthBadDaemonCode:
		log.Warnf("Docker daemon not responding on host %s", c.hostname)
		c.errorActive(BadDaemonErr, when)
	case HealthLowDockerSpaceCode:
		log.Warnf("low Docker disk space on host %s", c.hostname)
		c.errorActive(LowDockerSpaceErr, when)
	case HealthBadLogstashCode:
		log.Warnf("log forwarder not responding on host %s", c.hostname)
		c.errorActive(BadLogstashErr, when)
	default:
		log.Errorf("unknown health check exit code %d on host %s", code, c.hostname)
		c.errorActive(HealthFailErr, when)
	}
	c.update()
}

func (c *conditions) handleHealthTaskTimeout(when time.Time) {
	c.isHealthCheckNormal = false
	c.allHealthErrorsInactive()
	c.errorActive(HealthTimeoutErr, when)
	c.update()
}

func (c *conditions) handlePullTaskCompleted() {
	c.errorInactive(ImagePullErr)
	c.update()
}

func (c *conditions) handlePullTaskFailed(when time.Time) {
	c.errorActive(ImagePullErr, when)
	c.update()
}

func (c *conditions) hasActiveErrors() bool {
	return len(c.activeErrors) > 0
}

// lastError returns when err was last raised, or the zero time if it is not active.
func (c *conditions) lastError(err NodeError) time.Time {
	if active, ok := c.activeErrors[err.Name]; ok {
		return active.LastUpdated
	}
	return time.Time{}
}

func (c *conditions) errorActive(err NodeError, when time.Time) {
	active, ok := c.activeErrors[err.Name]
	if !ok {
		active = &ActiveError{NodeError: err, Started: when}
		c.activeErrors[err.Name] = active
	}
	active.LastUpdated = when
}

func (c *conditions) errorInactive(err NodeError) {
	delete(c.activeErrors, err.Name)
}

func (c *conditions) allHealthErrorsInactive() {
	for _, err := range healthErrors {
		c.errorInactive(err)
	}
}

func (c *conditions) update() {
	c.isDaemonBad, c.isPullBad = false, false
	for _, active := range c.activeErrors {
		c.isDaemonBad = c.isDaemonBad || active.DaemonBad
		c.isPullBad = c.isPullBad || active.PullBad
	}
}

// errors copies out the active errors ordered by name.
func (c *conditions) errors() []ActiveError {
	result := make([]ActiveError, 0, len(c.activeErrors))
	for _, active := range c.activeErrors {
		result = append(result, *active)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
