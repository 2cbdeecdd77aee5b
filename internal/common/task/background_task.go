package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/common/logging"
)

type task struct {
	function    func(ctx context.Context) error
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager runs each registered function in its own goroutine as an unbounded
// "execute then throttle" loop. A loop body that panics or returns an error is logged and the loop carries
// on; an error wrapping batchflowerrors.ErrDatabaseClosed is handed to the fatal handler instead.
//
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	warnThreshold time.Duration
	factory       promauto.Factory
	onFatal       func(error)
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, warnThreshold time.Duration, registerer prometheus.Registerer, onFatal func(error)) *BackgroundTaskManager {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	if onFatal == nil {
		onFatal = func(err error) { log.WithError(err).Fatal("fatal error in background task") }
	}
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		warnThreshold: warnThreshold,
		factory:       promauto.With(registerer),
		onFatal:       onFatal,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately. After each run the loop sleeps for whatever remains of interval.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context) error, interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll signals every loop to exit and waits up to timeout. Returns true if the timeout was hit.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := m.factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	logger := log.WithField("thread", task.metricName)
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		logger.Infof("%s thread started", task.metricName)
		for {
			start := time.Now()
			m.runOnce(ctx, task, logger)
			duration := time.Since(start)
			taskDurationHistogram.Observe(duration.Seconds())
			if m.warnThreshold > 0 && duration > m.warnThreshold {
				logger.Warnf("%s loop took %s", task.metricName, duration)
			} else {
				logger.Debugf("%s loop took %s", task.metricName, duration)
			}

			delay := task.interval - duration
			if delay < 0 {
				delay = 0
			}
			select {
			case <-time.After(delay):
			case <-task.stopChannel:
				logger.Infof("%s thread stopped", task.metricName)
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) runOnce(ctx context.Context, task *task, logger *log.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("critical error in %s thread: %v", task.metricName, r)
		}
	}()
	err := task.function(ctx)
	if err == nil {
		return
	}
	if batchflowerrors.IsDatabaseClosed(err) {
		m.onFatal(err)
		return
	}
	logging.WithStacktrace(logger, err).Errorf("critical error in %s thread", task.metricName)
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}

func (t *task) String() string {
	return fmt.Sprintf("%s every %s", t.metricName, t.interval)
}
