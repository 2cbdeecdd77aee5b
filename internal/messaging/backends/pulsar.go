package backends

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	"github.com/G-Research/batchflow/internal/common/pulsarutils"
	"github.com/G-Research/batchflow/internal/messaging"
)

// pulsarReceiveWait bounds how long Receive waits for the next message once the first has arrived.
const pulsarReceiveWait = 100 * time.Millisecond

// Pulsar publishes envelopes to a topic and consumes them through a shared subscription, so several schedulers
// split the messages between them. Messages whose execution failed are negatively acknowledged and redelivered
// by the broker after a delay.
type Pulsar struct {
	client   pulsar.Client
	producer pulsar.Producer
	consumer pulsar.Consumer
}

func NewPulsar(config *commonconfig.PulsarConfig) (*Pulsar, error) {
	compression, err := pulsarutils.ParsePulsarCompressionType(config.CompressionType)
	if err != nil {
		return nil, err
	}
	client, err := pulsarutils.NewPulsarClient(config)
	if err != nil {
		return nil, err
	}
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:           config.Topic,
		CompressionType: compression,
	})
	if err != nil {
		client.Close()
		return nil, errors.WithStack(err)
	}
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:               config.Topic,
		SubscriptionName:    config.SubscriptionName,
		Type:                pulsar.Shared,
		NackRedeliveryDelay: time.Minute,
	})
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.WithStack(err)
	}
	return &Pulsar{client: client, producer: producer, consumer: consumer}, nil
}

func (b *Pulsar) Send(ctx context.Context, bodies [][]byte) error {
	for _, body := range bodies {
		if _, err := b.producer.Send(ctx, &pulsar.ProducerMessage{Payload: body}); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (b *Pulsar) Receive(ctx context.Context, max int) ([]messaging.Delivery, error) {
	return receivePulsarBatch(ctx, b.consumer, max, pulsarReceiveWait)
}

// receivePulsarBatch receives up to max messages, returning early once no message arrives within wait.
func receivePulsarBatch(ctx context.Context, consumer pulsar.Consumer, max int, wait time.Duration) ([]messaging.Delivery, error) {
	var result []messaging.Delivery
	for len(result) < max {
		receiveCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := consumer.Receive(receiveCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break
			}
			return result, errors.WithStack(err)
		}
		result = append(result, &pulsarDelivery{consumer: consumer, msg: msg})
	}
	return result, nil
}

func (b *Pulsar) Close() error {
	b.consumer.Close()
	b.producer.Close()
	b.client.Close()
	return nil
}

type pulsarDelivery struct {
	consumer pulsar.Consumer
	msg      pulsar.Message
}

func (d *pulsarDelivery) Body() []byte { return d.msg.Payload() }

func (d *pulsarDelivery) Ack(context.Context) error {
	d.consumer.Ack(d.msg)
	return nil
}

func (d *pulsarDelivery) Nack(context.Context) {
	d.consumer.Nack(d.msg)
}
