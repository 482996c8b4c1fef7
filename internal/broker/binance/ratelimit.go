// ratelimit.go implements token-bucket rate limiting for the Binance
// futures API. Binance enforces request-weight limits per minute; the
// buckets below refill continuously rather than in minute bursts so the
// driver never slams into a hard 429/-1003 ban.
//
// Three buckets are maintained:
//   - Order:  300 burst / 5 per sec  (order placement and cancels)
//   - Query:  1200 burst / 20 per sec (order/position/balance reads)
//   - Market: 500 burst / 8 per sec  (exchange info, tickers, mark price)
package binance

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a continuously refilling rate limiter. Callers block
// in Wait until a token is available or the context is cancelled.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *tokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// rateLimiter groups buckets by endpoint category.
type rateLimiter struct {
	Order  *tokenBucket
	Query  *tokenBucket
	Market *tokenBucket
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		Order:  newTokenBucket(300, 5),
		Query:  newTokenBucket(1200, 20),
		Market: newTokenBucket(500, 8),
	}
}
