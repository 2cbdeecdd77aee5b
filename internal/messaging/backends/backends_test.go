package backends

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats-streaming-server/server"
	"github.com/nats-io/stan.go"
	"github.com/nats-io/stan.go/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	"github.com/G-Research/batchflow/internal/common/pulsarutils"
	"github.com/G-Research/batchflow/internal/messaging"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

func bodies(n int) [][]byte {
	result := make([][]byte, n)
	for i := range result {
		result[i] = []byte(fmt.Sprintf("message-%d", i))
	}
	return result
}

func deliveryBodies(deliveries []messaging.Delivery) []string {
	result := make([]string, len(deliveries))
	for i, d := range deliveries {
		result[i] = string(d.Body())
	}
	return result
}

func ackAll(t *testing.T, deliveries []messaging.Delivery) {
	for _, d := range deliveries {
		require.NoError(t, d.Ack(context.Background()))
	}
}

func TestMemory_VisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	fakeClock := clock.NewFakeClock(baseTime)
	b := NewMemory(fakeClock, time.Minute)
	require.NoError(t, b.Send(ctx, bodies(3)))

	first, err := b.Receive(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-0", "message-1"}, deliveryBodies(first))
	require.NoError(t, first[0].Ack(ctx))

	second, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-2"}, deliveryBodies(second))
	assert.Equal(t, 2, b.Len())

	fakeClock.Step(time.Minute)
	redelivered, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-1", "message-2"}, deliveryBodies(redelivered))

	ackAll(t, redelivered)
	assert.Equal(t, 0, b.Len())
}

func TestRedis_ReliableQueue(t *testing.T) {
	ctx := context.Background()
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{db.Addr()}})
	b := NewRedis(client, "test", clock.NewFakeClock(baseTime), time.Minute)
	defer b.Close()

	require.NoError(t, b.Send(ctx, bodies(3)))
	deliveries, err := b.Receive(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-0", "message-1"}, deliveryBodies(deliveries))
	require.NoError(t, deliveries[0].Ack(ctx))

	// message-1 is still in flight when the scheduler restarts
	n, err := b.RequeueInFlight()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deliveries, err = b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-2", "message-1"}, deliveryBodies(deliveries))
	ackAll(t, deliveries)

	deliveries, err = b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	processing, err := client.LLen(b.processingKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
}

func TestRedis_VisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	fakeClock := clock.NewFakeClock(baseTime)
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{db.Addr()}})
	b := NewRedis(client, "test", fakeClock, time.Minute)
	defer b.Close()

	require.NoError(t, b.Send(ctx, bodies(3)))
	first, err := b.Receive(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-0", "message-1"}, deliveryBodies(first))
	require.NoError(t, first[0].Ack(ctx))

	// message-1 failed to execute and was never acknowledged
	second, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-2"}, deliveryBodies(second))
	require.NoError(t, second[0].Ack(ctx))

	fakeClock.Step(30 * time.Second)
	none, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	fakeClock.Step(30 * time.Second)
	redelivered, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-1"}, deliveryBodies(redelivered))
	ackAll(t, redelivered)

	fakeClock.Step(2 * time.Minute)
	none, err = b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	processing, err := client.LLen(b.processingKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
	deadlines, err := client.ZCard(b.deadlinesKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), deadlines)
}

func TestNats_JetStream(t *testing.T) {
	ctx := context.Background()
	opts := server.DefaultNatsServerOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := natsserver.RunServer(&opts)
	defer natsServer.Shutdown()

	b, err := NewNats(&commonconfig.NatsConfig{
		Servers:    []string{natsServer.ClientURL()},
		StreamName: "COMMANDS",
		Subject:    "commands",
		Durable:    "scheduler",
		MaxWait:    200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Send(ctx, bodies(3)))
	var received []string
	for attempt := 0; attempt < 10 && len(received) < 3; attempt++ {
		deliveries, err := b.Receive(ctx, 10)
		require.NoError(t, err)
		ackAll(t, deliveries)
		received = append(received, deliveryBodies(deliveries)...)
	}
	assert.Equal(t, []string{"message-0", "message-1", "message-2"}, received)

	deliveries, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestStan_ReceiveBuffered(t *testing.T) {
	tests := map[string]struct {
		buffered int
		max      int
		expected int
	}{
		"empty":          {buffered: 0, max: 10, expected: 0},
		"fewer than max": {buffered: 3, max: 10, expected: 3},
		"more than max":  {buffered: 5, max: 2, expected: 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			received := make(chan *stan.Msg, 10)
			for i := 0; i < tc.buffered; i++ {
				received <- &stan.Msg{MsgProto: pb.MsgProto{Data: []byte(fmt.Sprintf("message-%d", i))}}
			}
			deliveries := receiveBuffered(context.Background(), received, tc.max, 10*time.Millisecond)
			assert.Len(t, deliveries, tc.expected)
			if tc.expected > 0 {
				assert.Equal(t, "message-0", string(deliveries[0].Body()))
			}
			assert.Len(t, received, tc.buffered-tc.expected)
		})
	}
}

func TestPulsar_ReceiveBatch(t *testing.T) {
	consumer := pulsarutils.NewMockConsumer(
		pulsarutils.NewPulsarMessage(1, baseTime, []byte("message-0")),
		pulsarutils.NewPulsarMessage(2, baseTime, []byte("message-1")),
		pulsarutils.NewPulsarMessage(3, baseTime, []byte("message-2")),
	)
	ctx := context.Background()

	deliveries, err := receivePulsarBatch(ctx, consumer, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-0", "message-1"}, deliveryBodies(deliveries))
	ackAll(t, deliveries)
	assert.Equal(t, []pulsar.MessageID{pulsarutils.NewMessageId(1), pulsarutils.NewMessageId(2)}, consumer.Acked())

	deliveries, err = receivePulsarBatch(ctx, consumer, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"message-2"}, deliveryBodies(deliveries))

	deliveries, err = receivePulsarBatch(ctx, consumer, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "sqs"}, clock.NewFakeClock(baseTime))
	assert.Error(t, err)

	b, err := New(Config{}, clock.NewFakeClock(baseTime))
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)
}
