package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/config"
)

const keyRecheckUser = "playmaker:recheck:user:%s"

// RecheckLimiter throttles caller-triggered gateway lookups (recheck and
// sweep) per user. A limiter without a bucket allows everything.
type RecheckLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewRecheckLimiter(cfg config.Config, bucket *TokenBucket) *RecheckLimiter {
	perMinute := cfg.RateLimit.RecheckPerMinute
	burst := cfg.RateLimit.Burst
	if bucket == nil || perMinute <= 0 {
		return &RecheckLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RecheckLimiter{
		bucket: bucket,
		rate:   float64(perMinute) / 60,
		burst:  burst,
	}
}

func (l *RecheckLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *RecheckLimiter) AllowUser(ctx context.Context, userID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyRecheckUser, userID.String()), l.rate, l.burst)
}
