package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue. Consumers atomically move each message
// from the pending list into a per-consumer processing list with BLMOVE and
// remove it from there on Ack. Anything left in the processing list when a
// consumer restarts is pushed back to the pending list.
type RedisQueue struct {
	client     *redis.Client
	list       string
	processing string
	logger     *slog.Logger
	pollWait   time.Duration
}

func NewRedisQueue(client *redis.Client, name, consumerID string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:     client,
		list:       name,
		processing: fmt.Sprintf("%s:processing:%s", name, consumerID),
		logger:     logger,
		pollWait:   2 * time.Second,
	}
}

func (q *RedisQueue) Publish(ctx context.Context, jobID uuid.UUID) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.list, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	n, err := q.recover(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		q.logger.Warn("queue_recovered_inflight", "queue", q.list, "count", n)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			body, err := q.client.BLMove(ctx, q.list, q.processing, "RIGHT", "LEFT", q.pollWait).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("queue_receive_failed", "queue", q.list, "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}

			id, err := decode([]byte(body))
			if err != nil {
				q.logger.Error("queue_malformed_message", "queue", q.list, "error", err)
				q.client.LRem(context.Background(), q.processing, 1, body)
				continue
			}

			d := &redisDelivery{q: q, id: id, body: body}
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Nack(context.Background(), true)
				return
			}
		}
	}()
	return out, nil
}

// recover returns this consumer's unacknowledged messages to the pending list.
func (q *RedisQueue) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.list, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover in-flight messages: %w", err)
		}
		n++
	}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

type redisDelivery struct {
	q    *RedisQueue
	id   uuid.UUID
	body string
}

func (d *redisDelivery) JobID() uuid.UUID { return d.id }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.q.client.LRem(ctx, d.q.processing, 1, d.body).Err(); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	pipe := d.q.client.TxPipeline()
	pipe.LRem(ctx, d.q.processing, 1, d.body)
	if requeue {
		pipe.LPush(ctx, d.q.list, d.body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	return nil
}
