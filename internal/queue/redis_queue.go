// Package queue implements the durable point-to-point message channel on
// Redis: a ready list plus an in-flight sorted set scored by visibility
// deadline. Consumers take one message at a time and must settle it with
// Ack or Nack before the next dequeue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"batch-pipeline/internal/config"
	"batch-pipeline/internal/models"
)

// RedisQueue carries processing envelopes between the API and the worker.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.QueueName, cfg.VisibilityTimeout)
}

// NewWithClient wires the queue onto an existing Redis client.
func NewWithClient(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "batch.processing"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:ready:%s", name),
		inflightKey:   fmt.Sprintf("queue:inflight:%s", name),
		visibilityTTL: visibility,
	}
}

// Publish appends one envelope to the tail of the queue. The write is
// confirmed by Redis before Publish returns; there is no retry here, the
// caller decides what a failed publish means.
func (q *RedisQueue) Publish(ctx context.Context, env models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, body).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Delivery is one received message awaiting Ack or Nack.
type Delivery struct {
	q    *RedisQueue
	body []byte
}

// Payload returns the raw message body.
func (d *Delivery) Payload() []byte {
	return d.body
}

// Dequeue pops the head of the queue and moves it to in-flight with a
// visibility deadline. Returns (nil, nil) when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	body, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return &Delivery{q: q, body: []byte(body)}, nil
}

// Ack settles the delivery as processed and removes it from in-flight.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.q.client.ZRem(ctx, d.q.inflightKey, d.body).Err()
}

// Nack settles the delivery as failed. With requeue the message returns to
// the head of the queue for redelivery; without it the message is dropped.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	pipe := d.q.client.TxPipeline()
	pipe.ZRem(ctx, d.q.inflightKey, d.body)
	if requeue {
		pipe.LPush(ctx, d.q.readyKey, d.body)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims in-flight messages whose visibility deadline
// passed (crashed or wedged consumer) and returns them to the queue head.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	bodies, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(bodies) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, body := range bodies {
		pipe.ZRem(ctx, q.inflightKey, body)
		pipe.LPush(ctx, q.readyKey, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(bodies), nil
}

// Depth returns the number of messages waiting for delivery.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Ping checks Redis connectivity for health probes.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local body = redis.call('LPOP', KEYS[1])
if body then
  redis.call('ZADD', KEYS[2], ARGV[1], body)
  return body
end
return nil
`)
