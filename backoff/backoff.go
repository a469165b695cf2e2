// Package backoff computes the delay a retryable step waits before it is
// dispatched again. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns the wait before retry n. Retry 1 follows the first
	// failed attempt.
	Delay(retry int) time.Duration
}

// Func adapts a function to Strategy.
type Func func(retry int) time.Duration

// Delay calls f.
func (f Func) Delay(retry int) time.Duration { return f(retry) }

// None retries immediately.
var None Strategy = Func(func(int) time.Duration { return 0 })

// Constant waits the same interval before every retry.
type Constant time.Duration

// Delay returns the interval.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Exponential doubles the delay on every retry up to Max. With Jitter set the
// result is drawn uniformly from [0, delay] (full jitter) so retries of many
// steps failing together spread out.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns min(Initial*2^(retry-1), Max), optionally jittered.
func (e Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(retry-1))
	if e.Max > 0 && (d > float64(e.Max) || math.IsInf(d, 1)) {
		d = float64(e.Max)
	}
	if e.Jitter && d > 0 {
		return time.Duration(rand.Int64N(int64(d) + 1)) //nolint:gosec // jitter does not need crypto randomness
	}
	return time.Duration(d)
}

// Default is exponential with jitter between 1s and 5m.
func Default() Strategy {
	return Exponential{Initial: time.Second, Max: 5 * time.Minute, Jitter: true}
}
