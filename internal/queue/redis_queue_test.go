package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"batch-pipeline/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, "test", visibility)
}

func testEnvelope(id int64) models.Envelope {
	return models.Envelope{
		BatchID:     id,
		CustomerID:  1,
		FileName:    "x.csv",
		StoragePath: "batches/abc/x.csv",
		ProfileID:   1,
	}
}

func TestPublishDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	require.NoError(t, q.Publish(ctx, testEnvelope(7)))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(d.Payload(), &env))
	require.EqualValues(t, 7, env.BatchID)
	require.Equal(t, "batches/abc/x.csv", env.StoragePath)

	// In-flight, so not visible to another dequeue.
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, next)

	require.NoError(t, d.Ack(ctx))

	// Acked messages never come back, even after the deadline.
	n, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNackRequeueRedelivers(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	require.NoError(t, q.Publish(ctx, testEnvelope(1)))
	require.NoError(t, q.Publish(ctx, testEnvelope(2)))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, true))

	// Requeued to the head, ahead of batch 2.
	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, d.Payload(), redelivered.Payload())
}

func TestNackDrop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	require.NoError(t, q.Publish(ctx, testEnvelope(1)))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, false))

	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, next)

	n, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRequeueExpiredReclaimsAbandonedDelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 50*time.Millisecond)

	require.NoError(t, q.Publish(ctx, testEnvelope(9)))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	// Consumer "crashes": never acks. Past the deadline the message is reclaimed.
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, d.Payload(), redelivered.Payload())
}
