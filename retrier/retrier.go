// Package retrier provides exponential backoff with jitter for store and
// origin round trips.
package retrier

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Retrier reruns a failing operation with exponentially growing, jittered
// delays between attempts.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	jitter      float64
}

func NewRetrier(maxAttempts int, baseDelay, maxDelay time.Duration, factor, jitter float64) *Retrier {
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		factor:      factor,
		jitter:      jitter,
	}
}

// Run invokes fn until it succeeds, the attempt budget is spent, or ctx is
// canceled while waiting out a delay.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if attempt == r.maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delayFor(attempt)):
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", r.maxAttempts, err)
}

func (r *Retrier) delayFor(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(r.factor, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}
	delay += rand.Float64() * r.jitter * delay
	return time.Duration(delay)
}
