// Package backends holds the message brokers command messages can travel over.
package backends

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/messaging"
)

// DefaultVisibilityTimeout is how long a received but unacknowledged envelope stays hidden before it is
// delivered again.
const DefaultVisibilityTimeout = 5 * time.Minute

type inflight struct {
	body    []byte
	visible time.Time
}

// Memory is an in-process queue for single instance deployments and tests. Unacknowledged deliveries become
// visible again after the visibility timeout, like an SQS queue.
type Memory struct {
	mu                sync.Mutex
	clock             clock.PassiveClock
	visibilityTimeout time.Duration
	queue             [][]byte
	inflight          map[int64]*inflight
	nextID            int64
}

func NewMemory(clock clock.PassiveClock, visibilityTimeout time.Duration) *Memory {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &Memory{clock: clock, visibilityTimeout: visibilityTimeout, inflight: map[int64]*inflight{}}
}

func (b *Memory) Send(_ context.Context, bodies [][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, body := range bodies {
		b.queue = append(b.queue, append([]byte(nil), body...))
	}
	return nil
}

func (b *Memory) Receive(_ context.Context, max int) ([]messaging.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.requeueExpired(now)

	var result []messaging.Delivery
	for len(b.queue) > 0 && len(result) < max {
		b.nextID++
		b.inflight[b.nextID] = &inflight{body: b.queue[0], visible: now.Add(b.visibilityTimeout)}
		result = append(result, &memoryDelivery{backend: b, id: b.nextID, body: b.queue[0]})
		b.queue = b.queue[1:]
	}
	return result, nil
}

// requeueExpired returns expired deliveries to the back of the queue in the order they were received.
func (b *Memory) requeueExpired(now time.Time) {
	var expired []int64
	for id, f := range b.inflight {
		if !now.Before(f.visible) {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	for _, id := range expired {
		b.queue = append(b.queue, b.inflight[id].body)
		delete(b.inflight, id)
	}
}

// Len returns the number of envelopes waiting plus the number in flight.
func (b *Memory) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) + len(b.inflight)
}

func (b *Memory) Close() error {
	return nil
}

type memoryDelivery struct {
	backend *Memory
	id      int64
	body    []byte
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack(context.Context) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	delete(d.backend.inflight, d.id)
	return nil
}
