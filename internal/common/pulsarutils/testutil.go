package pulsarutils

import (
	"context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type MockMessageId struct {
	pulsar.MessageID
	id int
}

type MockPulsarMessage struct {
	pulsar.Message
	messageId   pulsar.MessageID
	payload     []byte
	publishTime time.Time
}

func NewMessageId(id int) pulsar.MessageID {
	return MockMessageId{id: id}
}

func NewPulsarMessage(id int, publishTime time.Time, payload []byte) MockPulsarMessage {
	return MockPulsarMessage{
		messageId:   NewMessageId(id),
		publishTime: publishTime,
		payload:     payload,
	}
}

func (m MockPulsarMessage) ID() pulsar.MessageID {
	return m.messageId
}

func (m MockPulsarMessage) Payload() []byte {
	return m.payload
}

func (m MockPulsarMessage) PublishTime() time.Time {
	return m.publishTime
}

// MockConsumer hands out a fixed list of messages and records acknowledgements. Receive blocks until its
// context is done once the messages run out.
type MockConsumer struct {
	pulsar.Consumer
	mu       sync.Mutex
	messages []pulsar.Message
	acked    []pulsar.MessageID
}

func NewMockConsumer(messages ...pulsar.Message) *MockConsumer {
	return &MockConsumer{messages: messages}
}

func (c *MockConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	c.mu.Lock()
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *MockConsumer) Ack(msg pulsar.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg.ID())
}

func (c *MockConsumer) Acked() []pulsar.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pulsar.MessageID(nil), c.acked...)
}

func (c *MockConsumer) Close() {}
