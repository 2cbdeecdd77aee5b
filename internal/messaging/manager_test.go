package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

// countMessage counts its executions and emits Follow copies of itself with Follow set to zero.
type countMessage struct {
	Name   string `json:"name"`
	Follow int    `json:"follow,omitempty"`
	Fail   bool   `json:"fail,omitempty"`

	executed *[]string
	err      error
}

func (m *countMessage) Type() string { return "count" }

func (m *countMessage) Execute(context.Context) ([]CommandMessage, error) {
	if m.Fail {
		return nil, m.err
	}
	*m.executed = append(*m.executed, m.Name)
	var next []CommandMessage
	for i := 0; i < m.Follow; i++ {
		next = append(next, &countMessage{Name: m.Name + "-next"})
	}
	return next, nil
}

type fakeDelivery struct {
	body   []byte
	acked  *int
	nacked *int
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack(context.Context) error {
	*d.acked++
	return nil
}

func (d *fakeDelivery) Nack(context.Context) {
	*d.nacked++
}

type fakeBackend struct {
	queue   [][]byte
	acked   int
	nacked  int
	sendErr error
	sends   int
}

func (b *fakeBackend) Send(_ context.Context, bodies [][]byte) error {
	b.sends++
	if b.sendErr != nil {
		return b.sendErr
	}
	b.queue = append(b.queue, bodies...)
	return nil
}

func (b *fakeBackend) Receive(_ context.Context, max int) ([]Delivery, error) {
	var result []Delivery
	for len(b.queue) > 0 && len(result) < max {
		result = append(result, &fakeDelivery{body: b.queue[0], acked: &b.acked, nacked: &b.nacked})
		b.queue = b.queue[1:]
	}
	return result, nil
}

func (b *fakeBackend) Close() error { return nil }

func newTestManager(backend *fakeBackend, ledger Ledger, executed *[]string, err error) *Manager {
	registry := NewRegistry()
	registry.Register("count", func() CommandMessage { return &countMessage{executed: executed, err: err} })
	return NewManager(backend, registry, ledger, clock.NewFakeClock(baseTime), Config{BatchSize: 2, SendRetries: 2})
}

func TestManager_SendAndReceive(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	var executed []string
	m := newTestManager(backend, nil, &executed, nil)

	require.NoError(t, m.SendMessages(ctx, []CommandMessage{
		&countMessage{Name: "a", Follow: 2},
		&countMessage{Name: "b"},
		&countMessage{Name: "c"},
	}))
	require.Len(t, backend.queue, 3)

	envelope := &Envelope{}
	require.NoError(t, json.Unmarshal(backend.queue[0], envelope))
	assert.Equal(t, "count", envelope.Type)
	assert.Equal(t, baseTime, envelope.Created)
	assert.NotEmpty(t, envelope.ID)
	assert.JSONEq(t, `{"name":"a","follow":2}`, string(envelope.Body))

	n, err := m.ReceiveMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, executed)
	assert.Equal(t, 2, backend.acked)

	for {
		n, err := m.ReceiveMessages(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "a-next", "a-next"}, executed)
	assert.Equal(t, 5, backend.acked)
}

func TestManager_InvalidEnvelopesAreAcked(t *testing.T) {
	tests := map[string]string{
		"not json":     `{"type":`,
		"no type":      `{"id":"1","body":{"name":"a"}}`,
		"no body":      `{"id":"1","type":"count"}`,
		"null body":    `{"id":"1","type":"count","body":null}`,
		"unknown type": `{"id":"1","type":"other","body":{}}`,
		"bad body":     `{"id":"1","type":"count","body":{"name":7}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			backend := &fakeBackend{queue: [][]byte{[]byte(body)}}
			var executed []string
			m := newTestManager(backend, nil, &executed, nil)

			n, err := m.ReceiveMessages(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Empty(t, executed)
			assert.Equal(t, 1, backend.acked)
		})
	}
}

func TestManager_FailedExecutionIsNotAcked(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	var executed []string
	m := newTestManager(backend, nil, &executed, errors.New("boom"))

	require.NoError(t, m.SendMessages(ctx, []CommandMessage{&countMessage{Name: "a", Fail: true}}))
	_, err := m.ReceiveMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, backend.acked)
	assert.Equal(t, 1, backend.nacked)
}

func TestManager_DatabaseClosedIsFatal(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	var executed []string
	closed := errors.WithStack(&batchflowerrors.ErrDatabaseClosed{})
	m := newTestManager(backend, nil, &executed, closed)

	require.NoError(t, m.SendMessages(ctx, []CommandMessage{&countMessage{Name: "a", Fail: true}}))
	_, err := m.ReceiveMessages(ctx)
	require.Error(t, err)
	assert.True(t, batchflowerrors.IsDatabaseClosed(err))
	assert.Equal(t, 0, backend.acked)
}

func TestManager_LedgerSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	var executed []string
	m := newTestManager(backend, NewMemoryLedger(time.Hour), &executed, nil)

	require.NoError(t, m.SendMessages(ctx, []CommandMessage{&countMessage{Name: "a"}}))
	redelivered := backend.queue[0]
	_, err := m.ReceiveMessages(ctx)
	require.NoError(t, err)

	backend.queue = append(backend.queue, redelivered)
	_, err = m.ReceiveMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, executed)
	assert.Equal(t, 2, backend.acked)
}

func TestManager_SendRetries(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("broker down")}
	var executed []string
	m := newTestManager(backend, nil, &executed, nil)

	err := m.SendMessages(context.Background(), []CommandMessage{&countMessage{Name: "a"}})
	require.Error(t, err)
	assert.Equal(t, 2, backend.sends)
}

func TestRegistry_DuplicateKeepsFirst(t *testing.T) {
	var first, second []string
	registry := NewRegistry()
	registry.Register("count", func() CommandMessage { return &countMessage{executed: &first} })
	registry.Register("count", func() CommandMessage { return &countMessage{executed: &second} })
	registry.Register("other", func() CommandMessage { return &countMessage{executed: &second} })
	assert.Equal(t, []string{"count", "other"}, registry.Types())

	body, err := Marshal(&countMessage{Name: "a"}, "id", baseTime)
	require.NoError(t, err)
	envelope, msg, err := registry.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "id", envelope.ID)
	_, err = msg.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first)
	assert.Empty(t, second)
}
