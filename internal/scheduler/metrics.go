package scheduler

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "batchflow"
	subsystem = "scheduler"
)

type schedulerMetrics struct {
	tasksLaunched    *prometheus.CounterVec
	launchFailures   prometheus.Counter
	jobExesScheduled prometheus.Counter
	tasksTimedOut    prometheus.Counter
	runningJobExes   prometheus.Gauge
	queuedJobs       prometheus.Gauge
}

func newSchedulerMetrics() *schedulerMetrics {
	return &schedulerMetrics{
		tasksLaunched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_launched_total",
				Help:      "Number of tasks handed to the cluster manager, by role.",
			},
			[]string{"role"},
		),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "launch_failures_total",
			Help:      "Number of task launches the cluster manager rejected.",
		}),
		jobExesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_exes_scheduled_total",
			Help:      "Number of job executions scheduled.",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_timed_out_total",
			Help:      "Number of tasks that timed out.",
		}),
		runningJobExes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running_job_exes",
			Help:      "Number of job executions the scheduler is running.",
		}),
		queuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_jobs",
			Help:      "Number of jobs waiting in the queue at the last status update.",
		}),
	}
}

func (m *schedulerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.tasksLaunched.Describe(ch)
	m.launchFailures.Describe(ch)
	m.jobExesScheduled.Describe(ch)
	m.tasksTimedOut.Describe(ch)
	m.runningJobExes.Describe(ch)
	m.queuedJobs.Describe(ch)
}

func (m *schedulerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.tasksLaunched.Collect(ch)
	m.launchFailures.Collect(ch)
	m.jobExesScheduled.Collect(ch)
	m.tasksTimedOut.Collect(ch)
	m.runningJobExes.Collect(ch)
	m.queuedJobs.Collect(ch)
}

// Describe and Collect make the scheduler a prometheus.Collector.
func (s *Scheduler) Describe(ch chan<- *prometheus.Desc) {
	s.metrics.Describe(ch)
}

func (s *Scheduler) Collect(ch chan<- prometheus.Metric) {
	s.metrics.Collect(ch)
}
