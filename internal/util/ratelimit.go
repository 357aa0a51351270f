package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a single-token bucket. Wait blocks for a token; Allow takes
// one only if available and never blocks.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)}
}

// NewIntervalLimiter creates a RateLimiter that allows one operation per
// interval.
func NewIntervalLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}

// Allow reports whether an operation may happen now, consuming the token if
// so.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Allow()
}

// AllowAt is Allow evaluated at t.
func (rl *RateLimiter) AllowAt(t time.Time) bool {
	return rl.lim.AllowN(t, 1)
}
