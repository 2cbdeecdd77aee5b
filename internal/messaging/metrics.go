package messaging

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "batchflow"
	subsystem = "messaging"
)

// Outcomes of receiving one envelope.
const (
	resultExecuted  = "executed"
	resultFailed    = "failed"
	resultInvalid   = "invalid"
	resultDuplicate = "duplicate"
)

type managerMetrics struct {
	sent      *prometheus.CounterVec
	received  *prometheus.CounterVec
	execution *prometheus.HistogramVec
}

func newManagerMetrics() *managerMetrics {
	return &managerMetrics{
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_sent_total",
				Help:      "Number of command messages sent.",
			},
			[]string{"type"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_received_total",
				Help:      "Number of command messages received, by outcome.",
			},
			[]string{"type", "result"},
		),
		execution: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "message_execution_seconds",
				Help:      "Time taken to execute a command message.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"type"},
		),
	}
}

func (m *managerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.sent.Describe(ch)
	m.received.Describe(ch)
	m.execution.Describe(ch)
}

func (m *managerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.sent.Collect(ch)
	m.received.Collect(ch)
	m.execution.Collect(ch)
}
