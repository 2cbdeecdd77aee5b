package messaging

import "context"

// Backend is a message broker. Implementations live in the backends package.
type Backend interface {
	// Send publishes encoded envelopes.
	Send(ctx context.Context, bodies [][]byte) error
	// Receive returns up to max deliveries, or fewer (possibly none) if no more are available right now.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Close() error
}

// Delivery is a received envelope. A delivery that is never acknowledged is delivered again later.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
}

// Nacker is implemented by deliveries whose broker only redelivers an envelope once told it was not processed.
type Nacker interface {
	Nack(ctx context.Context)
}
