package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/playmaker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecheckLimiterWithoutRedisAllows(t *testing.T) {
	limiter := NewRecheckLimiter(config.Config{
		RateLimit: config.RateLimitConfig{RecheckPerMinute: 12, Burst: 4},
	}, NewTokenBucket(nil))

	assert.False(t, limiter.Enabled())
	for i := 0; i < 10; i++ {
		res, err := limiter.AllowUser(context.Background(), 42)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestUnconfiguredPrimitives(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
	assert.False(t, res.Allowed)

	var locker *Locker
	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, locker.Release(context.Background(), "k", "token"))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, defaultBucketTTL(0, 4))
	// 4 tokens at 0.2/s refill in 20s; the key lives twice that.
	assert.Equal(t, 40*time.Second, defaultBucketTTL(0.2, 4))
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(3), castToInt(int64(3)))
	assert.Equal(t, int64(0), castToInt("3"))
	assert.InDelta(t, 2.5, castToFloat("2.5"), 0.0001)
	assert.InDelta(t, 0, castToFloat("x"), 0.0001)
}
