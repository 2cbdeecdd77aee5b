package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
)

type Config struct {
	// Number of envelopes received per call to ReceiveMessages
	BatchSize int `validate:"gt=0"`
	// Attempts made to hand messages to the backend before giving up
	SendRetries uint
	// Delay before the first retry, doubled for every further retry
	RetryDelay time.Duration
}

const DefaultBatchSize = 10

// Manager sends command messages and executes the ones it receives. An envelope is acknowledged once its
// message has executed and its follow-on messages have been sent. Envelopes that cannot be decoded are logged
// and acknowledged so that they never block the queue; envelopes whose execution fails are left for the
// backend to redeliver.
type Manager struct {
	backend  Backend
	registry *Registry
	ledger   Ledger
	clock    clock.PassiveClock
	config   Config
	metrics  *managerMetrics
}

// NewManager returns a manager. ledger may be nil, in which case every delivery is executed.
func NewManager(backend Backend, registry *Registry, ledger Ledger, clock clock.PassiveClock, config Config) *Manager {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if ledger == nil {
		ledger = noopLedger{}
	}
	return &Manager{
		backend:  backend,
		registry: registry,
		ledger:   ledger,
		clock:    clock,
		config:   config,
		metrics:  newManagerMetrics(),
	}
}

// SendMessages wraps msgs in envelopes and hands them to the backend, retrying with backoff.
func (m *Manager) SendMessages(ctx context.Context, msgs []CommandMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := m.clock.Now()
	bodies := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		body, err := Marshal(msg, util.NewULID(), now)
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
	}
	err := util.RetryWithBackoff(ctx, m.config.SendRetries, m.config.RetryDelay, "sending command messages", func() error {
		return m.backend.Send(ctx, bodies)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to send %d command messages", len(msgs))
	}
	for _, msg := range msgs {
		m.metrics.sent.WithLabelValues(msg.Type()).Inc()
	}
	return nil
}

// ReceiveMessages receives one batch of envelopes and processes each in turn. It returns the number of
// envelopes received. Only a closed database is reported as an error; every other failure is logged.
func (m *Manager) ReceiveMessages(ctx context.Context) (int, error) {
	deliveries, err := m.backend.Receive(ctx, m.config.BatchSize)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to receive command messages")
	}
	for _, delivery := range deliveries {
		if err := m.process(ctx, delivery); err != nil {
			return len(deliveries), err
		}
	}
	return len(deliveries), nil
}

func (m *Manager) process(ctx context.Context, delivery Delivery) error {
	envelope, msg, err := m.registry.Decode(delivery.Body())
	if err != nil {
		messageType := ""
		if envelope != nil {
			messageType = envelope.Type
		}
		log.WithError(err).Errorf("discarding invalid command message %.200q", delivery.Body())
		m.metrics.received.WithLabelValues(messageType, resultInvalid).Inc()
		m.ack(ctx, delivery)
		return nil
	}

	logger := logging.FromContext(ctx).WithFields(log.Fields{"messageType": envelope.Type, "messageId": envelope.ID})
	ctx = logging.WithLogger(ctx, logger)

	if seen, err := m.ledger.Contains(ctx, envelope.ID); err != nil {
		logger.WithError(err).Warn("failed to check processed message ledger")
	} else if seen {
		logger.Debug("skipping message that has already been executed")
		m.metrics.received.WithLabelValues(envelope.Type, resultDuplicate).Inc()
		m.ack(ctx, delivery)
		return nil
	}

	start := time.Now()
	newMsgs, err := msg.Execute(ctx)
	m.metrics.execution.WithLabelValues(envelope.Type).Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.received.WithLabelValues(envelope.Type, resultFailed).Inc()
		failure := &batchflowerrors.CommandMessageExecuteFailure{MessageType: envelope.Type, Cause: err}
		if batchflowerrors.IsDatabaseClosed(err) {
			return errors.WithStack(failure)
		}
		logging.WithStacktrace(logger, err).Errorf("%v", failure)
		nack(ctx, delivery)
		return nil
	}
	if err := m.SendMessages(ctx, newMsgs); err != nil {
		// The message will be redelivered and executed again, which resends its follow-on messages
		logging.WithStacktrace(logger, err).Error("failed to send follow-on messages")
		m.metrics.received.WithLabelValues(envelope.Type, resultFailed).Inc()
		nack(ctx, delivery)
		return nil
	}
	if err := m.ledger.Add(ctx, envelope.ID); err != nil {
		logger.WithError(err).Warn("failed to record message in ledger")
	}
	m.metrics.received.WithLabelValues(envelope.Type, resultExecuted).Inc()
	m.ack(ctx, delivery)
	logger.Debugf("executed message, sent %d new message(s)", len(newMsgs))
	return nil
}

func (m *Manager) ack(ctx context.Context, delivery Delivery) {
	if err := delivery.Ack(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("failed to acknowledge command message")
	}
}

func nack(ctx context.Context, delivery Delivery) {
	if n, ok := delivery.(Nacker); ok {
		n.Nack(ctx)
	}
}

func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	m.metrics.Describe(ch)
}

func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.metrics.Collect(ch)
}
