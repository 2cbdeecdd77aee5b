package backends

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	"github.com/G-Research/batchflow/internal/messaging"
)

const defaultNatsMaxWait = time.Second

// Nats stores envelopes in a JetStream stream and receives them through a durable pull consumer shared by every
// scheduler. Messages that are not acknowledged within the consumer's ack wait are redelivered.
type Nats struct {
	conn         *nats.Conn
	js           nats.JetStreamContext
	subject      string
	subscription *nats.Subscription
	maxWait      time.Duration
}

func NewNats(config *commonconfig.NatsConfig) (*Nats, error) {
	conn, err := nats.Connect(strings.Join(config.Servers, ","), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.WithStack(err)
	}
	if err := ensureStream(js, config.StreamName, config.Subject); err != nil {
		conn.Close()
		return nil, err
	}
	subscription, err := js.PullSubscribe(config.Subject, config.Durable)
	if err != nil {
		conn.Close()
		return nil, errors.WithStack(err)
	}
	maxWait := config.MaxWait
	if maxWait <= 0 {
		maxWait = defaultNatsMaxWait
	}
	return &Nats{conn: conn, js: js, subject: config.Subject, subscription: subscription, maxWait: maxWait}, nil
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.WithStack(err)
	}
	log.Infof("creating JetStream stream %s for subject %s", name, subject)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	return errors.WithStack(err)
}

func (b *Nats) Send(_ context.Context, bodies [][]byte) error {
	for _, body := range bodies {
		if _, err := b.js.Publish(b.subject, body); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (b *Nats) Receive(_ context.Context, max int) ([]messaging.Delivery, error) {
	msgs, err := b.subscription.Fetch(max, nats.MaxWait(b.maxWait))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.WithStack(err)
	}
	result := make([]messaging.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, natsDelivery{msg: msg})
	}
	return result, nil
}

func (b *Nats) Close() error {
	b.conn.Close()
	return nil
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d natsDelivery) Body() []byte { return d.msg.Data }

func (d natsDelivery) Ack(context.Context) error {
	return errors.WithStack(d.msg.Ack())
}
