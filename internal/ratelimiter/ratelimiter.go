// Package ratelimiter throttles work with a token bucket.
//
// The authority server uses it to bound the request rate accepted from
// proxies, and the garbage collector uses it to pace object deletions against
// the block store.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// unlimited is used when a zero rate is configured. rate.Inf skips the
// bucket entirely, which makes Tokens meaningless, so a very large finite
// rate is used instead.
const unlimited = 1_000_000_000

// RateLimiter wraps golang.org/x/time/rate.
//
// Tokens are added at a constant rate up to the burst capacity; each unit of
// work consumes one. Allow never blocks, Wait blocks until a token is
// available or ctx is done.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter.
//
// Parameters:
//   - perSecond: Sustained rate. 0 disables limiting.
//   - burst: Bucket capacity. 0 defaults to perSecond (at least 1).
func New(perSecond, burst uint) *RateLimiter {
	if perSecond == 0 {
		perSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = max(perSecond, 1)
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available. It fails immediately, without
// consuming anything, when ctx's deadline is sooner than the token would be.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Delay reports how long a caller would wait right now for one token.
func (r *RateLimiter) Delay() time.Duration {
	res := r.limiter.Reserve()
	defer res.Cancel()
	return res.Delay()
}

// Tokens returns the number of tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
