// Package backoff provides exponential backoff with bounded jitter for the
// provider retry paths and the rate limiter's rate-limit recovery.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// JitterMax is the upper bound of the additive random jitter.
	JitterMax time.Duration
}

// ProviderRetryPolicy returns the policy used for transient provider errors:
// 1s doubling up to 60s with up to 50ms of jitter.
func ProviderRetryPolicy() Policy {
	return Policy{
		Base:      time.Second,
		Max:       60 * time.Second,
		JitterMax: 50 * time.Millisecond,
	}
}

// Delay computes the backoff for the k-th consecutive failure (k starts at 0).
func (p Policy) Delay(k int) time.Duration {
	return p.delayWithRand(k, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes the delay using a provided random value in [0,1).
// Split out so tests can pin the jitter.
func (p Policy) delayWithRand(k int, randomValue float64) time.Duration {
	if k < 0 {
		k = 0
	}
	base := float64(p.Base) * math.Pow(2, float64(k))
	if capped := float64(p.Max); base > capped {
		base = capped
	}
	jitter := randomValue * float64(p.JitterMax)
	d := time.Duration(base + jitter)
	if d > p.Max+p.JitterMax {
		d = p.Max + p.JitterMax
	}
	return d
}
