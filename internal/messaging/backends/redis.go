package backends

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/messaging"
)

// Redis is a reliable queue built from two redis lists. Receiving moves an envelope from the queue list to a
// processing list and records when it becomes visible again in a sorted set; acknowledging removes it from both.
// Each Receive first moves envelopes whose visibility timeout has passed back to the queue, so a failed
// execution is retried without a restart. Envelopes left by a crashed scheduler are also moved back at startup
// by RequeueInFlight.
type Redis struct {
	db                redis.UniversalClient
	clock             clock.PassiveClock
	visibilityTimeout time.Duration
	queueKey          string
	processingKey     string
	deadlinesKey      string
}

func NewRedis(db redis.UniversalClient, queueName string, clock clock.PassiveClock, visibilityTimeout time.Duration) *Redis {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &Redis{
		db:                db,
		clock:             clock,
		visibilityTimeout: visibilityTimeout,
		queueKey:          "CommandMessages:" + queueName,
		processingKey:     "CommandMessages:" + queueName + ":processing",
		deadlinesKey:      "CommandMessages:" + queueName + ":deadlines",
	}
}

func (b *Redis) Send(_ context.Context, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	values := make([]interface{}, len(bodies))
	for i, body := range bodies {
		values[i] = body
	}
	return errors.WithStack(b.db.LPush(b.queueKey, values...).Err())
}

func (b *Redis) Receive(ctx context.Context, max int) ([]messaging.Delivery, error) {
	now := b.clock.Now()
	if err := b.requeueExpired(now); err != nil {
		return nil, err
	}
	visible := float64(now.Add(b.visibilityTimeout).UnixMilli())

	var result []messaging.Delivery
	for len(result) < max && ctx.Err() == nil {
		body, err := b.db.RPopLPush(b.queueKey, b.processingKey).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return result, errors.WithStack(err)
		}
		if err := b.db.ZAdd(b.deadlinesKey, redis.Z{Score: visible, Member: body}).Err(); err != nil {
			return result, errors.WithStack(err)
		}
		result = append(result, &redisDelivery{backend: b, body: body})
	}
	return result, nil
}

// requeueExpired moves envelopes whose visibility timeout has passed from the processing list to the back of
// the queue. An envelope acknowledged in the meantime is no longer on the processing list and stays gone.
func (b *Redis) requeueExpired(now time.Time) error {
	expired, err := b.db.ZRangeByScore(b.deadlinesKey, redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	requeued := 0
	for _, body := range expired {
		removed, err := b.db.LRem(b.processingKey, 1, body).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if removed > 0 {
			if err := b.db.LPush(b.queueKey, body).Err(); err != nil {
				return errors.WithStack(err)
			}
			requeued++
		}
		if err := b.db.ZRem(b.deadlinesKey, body).Err(); err != nil {
			return errors.WithStack(err)
		}
	}
	if requeued > 0 {
		log.Infof("requeued %d command messages whose visibility timeout passed", requeued)
	}
	return nil
}

// RequeueInFlight returns every envelope on the processing list to the queue. Only call it while no other
// scheduler is receiving.
func (b *Redis) RequeueInFlight() (int, error) {
	n := 0
	for {
		_, err := b.db.RPopLPush(b.processingKey, b.queueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return n, errors.WithStack(err)
		}
		n++
	}
	if err := b.db.Del(b.deadlinesKey).Err(); err != nil {
		return n, errors.WithStack(err)
	}
	if n > 0 {
		log.Infof("requeued %d unacknowledged command messages", n)
	}
	return n, nil
}

func (b *Redis) Close() error {
	return errors.WithStack(b.db.Close())
}

type redisDelivery struct {
	backend *Redis
	body    []byte
}

func (d *redisDelivery) Body() []byte { return d.body }

func (d *redisDelivery) Ack(context.Context) error {
	if err := d.backend.db.LRem(d.backend.processingKey, 1, d.body).Err(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(d.backend.db.ZRem(d.backend.deadlinesKey, d.body).Err())
}
