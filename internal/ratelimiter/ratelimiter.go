// Package ratelimiter provides the token bucket behind throttle groups.
// Each group owns one RateLimiter; every member node draws a token per
// I/O request, so the configured rate caps the group's combined sector
// traffic.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// unlimited stands in for "no limit". rate.Inf would skip the bucket
// entirely but behaves differently around burst accounting, so a large
// finite rate keeps the code on one path.
const unlimited = 1_000_000_000

// RateLimiter is a token bucket over golang.org/x/time/rate. Tokens
// refill at the sustained rate; the burst is the bucket capacity, so a
// quiet group can absorb a spike of that many requests before waits
// kick in. Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter with the given sustained rate (requests per
// second) and burst capacity. A zero rate means no limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
		burst = unlimited
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Wait blocks until a token is available or the context is cancelled,
// in which case the context error is returned and no token is consumed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
