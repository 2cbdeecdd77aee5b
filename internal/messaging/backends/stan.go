package backends

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	stan_util "github.com/G-Research/batchflow/internal/common/stan-util"
	"github.com/G-Research/batchflow/internal/messaging"
)

const (
	defaultStanAckWait = time.Minute
	stanReceiveWait    = time.Second
)

// Stan receives envelopes through a durable NATS Streaming queue subscription. The streaming server pushes
// messages, so they are buffered until Receive is called; messages not acknowledged within the ack wait are
// redelivered to some member of the queue group.
type Stan struct {
	conn     *stan_util.DurableConnection
	subject  string
	received chan *stan.Msg
}

func NewStan(config *commonconfig.StanConfig) (*Stan, error) {
	conn, err := stan_util.DurableConnect(config.ClusterID, config.ClientID, strings.Join(config.Servers, ","))
	if err != nil {
		return nil, err
	}
	ackWait := config.AckWait
	if ackWait <= 0 {
		ackWait = defaultStanAckWait
	}
	b := &Stan{conn: conn, subject: config.Subject, received: make(chan *stan.Msg, 1000)}
	err = conn.QueueSubscribe(config.Subject, config.QueueGroup,
		func(msg *stan.Msg) { b.received <- msg },
		stan.SetManualAckMode(),
		stan.AckWait(ackWait),
		stan.MaxInflight(cap(b.received)),
		stan.DurableName(config.QueueGroup))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Stan) Send(_ context.Context, bodies [][]byte) error {
	for _, body := range bodies {
		if err := b.conn.Publish(b.subject, body); err != nil {
			return err
		}
	}
	return nil
}

func (b *Stan) Receive(ctx context.Context, max int) ([]messaging.Delivery, error) {
	return receiveBuffered(ctx, b.received, max, stanReceiveWait), nil
}

// receiveBuffered waits up to wait for the first message, then takes whatever else is already buffered.
func receiveBuffered(ctx context.Context, received <-chan *stan.Msg, max int, wait time.Duration) []messaging.Delivery {
	var result []messaging.Delivery
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-received:
		result = append(result, stanDelivery{msg: msg})
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
	for len(result) < max {
		select {
		case msg := <-received:
			result = append(result, stanDelivery{msg: msg})
		default:
			return result
		}
	}
	return result
}

func (b *Stan) Close() error {
	return b.conn.Close()
}

type stanDelivery struct {
	msg *stan.Msg
}

func (d stanDelivery) Body() []byte { return d.msg.Data }

func (d stanDelivery) Ack(context.Context) error {
	return errors.WithStack(d.msg.Ack())
}
