// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Default returns the policy used by the provider transport:
// 1s initial, 60s cap, doubling, 10% jitter.
func Default() Policy {
	return Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay computes the backoff duration for an attempt. Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff delay or until the context ends.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	return sleepFor(ctx, p.Delay(attempt))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
