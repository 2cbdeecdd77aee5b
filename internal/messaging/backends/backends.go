package backends

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	"github.com/G-Research/batchflow/internal/messaging"
)

const (
	MemoryBackend = "memory"
	RedisBackend  = "redis"
	PulsarBackend = "pulsar"
	NatsBackend   = "nats"
	StanBackend   = "stan"
)

type Config struct {
	Backend string `validate:"oneof=memory redis pulsar nats stan"`
	// Name of the queue, used as the redis key suffix
	QueueName string
	// How long the memory and redis backends hide an unacknowledged envelope
	VisibilityTimeout time.Duration
	Redis             *commonconfig.RedisConfig  `validate:"required_if=Backend redis"`
	Pulsar            *commonconfig.PulsarConfig `validate:"required_if=Backend pulsar"`
	Nats              *commonconfig.NatsConfig   `validate:"required_if=Backend nats"`
	Stan              *commonconfig.StanConfig   `validate:"required_if=Backend stan"`
}

// New connects to the configured backend.
func New(config Config, clock clock.PassiveClock) (messaging.Backend, error) {
	switch config.Backend {
	case "", MemoryBackend:
		return NewMemory(clock, config.VisibilityTimeout), nil
	case RedisBackend:
		b := NewRedis(redis.NewUniversalClient(config.Redis.AsUniversalOptions()), config.QueueName, clock, config.VisibilityTimeout)
		if _, err := b.RequeueInFlight(); err != nil {
			return nil, err
		}
		return b, nil
	case PulsarBackend:
		return NewPulsar(config.Pulsar)
	case NatsBackend:
		return NewNats(config.Nats)
	case StanBackend:
		return NewStan(config.Stan)
	default:
		return nil, errors.WithStack(&batchflowerrors.ErrInvalidArgument{
			Name:    "messaging.backend",
			Value:   config.Backend,
			Message: "allowed values are memory, redis, pulsar, nats and stan",
		})
	}
}
