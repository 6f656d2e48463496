// Package ratelimiter throttles outbound requests to local endpoints such
// as the instance metadata service, which enforces its own per-instance
// packet limits and starts dropping requests when they are exceeded.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket refilled at a fixed rate. Bursts of up to twice
// the rate are allowed so that a token fetch and the request it unlocks
// never wait on each other.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter for perSecond requests per second. Zero disables
// limiting.
func New(perSecond uint) *Limiter {
	if perSecond == 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)*2)}
}

// Allow reports whether a request may proceed now, consuming a token if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Wait blocks until a token is available. It fails early when ctx expires,
// or would expire, before then.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
