package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "rl:customer:1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "rl:customer:1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "rl:customer:1")
	require.NoError(t, err)
	require.False(t, allowed, "bucket of 2 must reject the third take")

	// Buckets are independent per key.
	allowed, _, err = bucket.Allow(ctx, "rl:customer:2")
	require.NoError(t, err)
	require.True(t, allowed)

	// Refill cannot be exercised against miniredis: the script takes its
	// clock from the caller, not from Redis.
}
