// Package ratelimiter bounds the rate of outbound remote store calls.
//
// Remote object stores throttle aggressive clients, and a recursive pull
// can easily issue thousands of listing and metadata calls. Every remote
// call made by the sync engine passes through a shared RateLimiter so a
// whole batch observes one budget, no matter how wide the fan-out is.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter wraps a token bucket (golang.org/x/time/rate) that bounds
// sustained call rate while allowing short bursts.
//
// The bucket gains tokens at callsPerSecond; each remote call consumes one.
// A zero rate disables limiting entirely, which is only appropriate for
// tests and the in-memory remote.
//
// Thread safety: all methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing callsPerSecond sustained calls with
// the given burst capacity.
//
// Special cases:
//   - callsPerSecond = 0: no limiting (unlimited)
//   - burst = 0: burst defaults to callsPerSecond
func New(callsPerSecond, burst uint) *RateLimiter {
	if callsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	if burst == 0 {
		burst = callsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), int(burst)),
	}
}

// Wait blocks until a token is available or the context is cancelled.
//
// This is the path every remote call takes: acquire a token, then issue
// the call. Returns the context error if cancelled while waiting.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a call may proceed right now, consuming a token
// if so. Used by pretend/dry-run paths that must not block.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Do acquires a token and then runs fn. This keeps the acquire-then-call
// pairing in one place so callers cannot forget the Wait.
func (r *RateLimiter) Do(ctx context.Context, fn func() error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return fn()
}

// SetLimit updates the sustained rate. Burst is raised to match when the
// new rate exceeds the current burst, so the bucket can actually hold the
// tokens it accrues.
func (r *RateLimiter) SetLimit(callsPerSecond uint) {
	if callsPerSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}

	r.limiter.SetLimit(rate.Limit(callsPerSecond))
	if uint(r.limiter.Burst()) < callsPerSecond {
		r.limiter.SetBurst(int(callsPerSecond))
	}
}

// Tokens returns the number of tokens currently available. Monitoring and
// test use only; the value is stale the moment it is returned.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
