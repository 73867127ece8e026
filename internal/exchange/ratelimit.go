// ratelimit.go implements the exchange's single shared call limiter: a token
// bucket refilling at R calls per W seconds with a burst of R, shared across
// all operations. Callers block in Wait until a token is available; this is
// the sole back-pressure mechanism (§4.2). It is not a strict sliding window:
// after an idle spell, the full burst plus the refill lets up to 2R calls
// through within one W-second span.
package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate.Limiter, a token bucket built
// directly from R and W rather than a hand-tuned one.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter admitting r calls per w duration, with a
// burst of r so a cold start does not immediately throttle.
func NewRateLimiter(r int, w float64) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(r)/w), r),
	}
}

// Wait blocks until a slot is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
