// Package retry provides pluggable retry policies for failed nodes.
//
// A Policy decides, per failure, whether a node gets another attempt and how
// long to wait first. Cancellations and graph build errors are never retried;
// contract violations and wait timeouts are retried only when the policy opts
// in.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/aretw0/weft/pkg/domain"
)

// Policy decides whether a failed attempt is retried.
type Policy interface {
	// Next is called after attempt (1-based) failed with err. It returns the
	// delay before the next attempt and whether there should be one.
	Next(attempt int, err error) (time.Duration, bool)
}

// Backoff computes the delay before retry n (0-based).
type Backoff interface {
	Delay(n int) time.Duration
}

// Never is a policy that never retries.
type Never struct{}

func (Never) Next(int, error) (time.Duration, bool) { return 0, false }

// Constant waits the same delay before every retry.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential grows the delay by Multiplier per retry, capped at Max.
// Jitter in [0, 1] spreads each delay by up to ±Jitter of its value.
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e Exponential) Delay(n int) time.Duration {
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}
	delay := float64(e.Base) * math.Pow(multiplier, float64(n))
	if e.Jitter > 0 {
		delay *= 1 + e.Jitter*(rand.Float64()*2-1)
	}
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	switch {
	case math.IsNaN(delay) || delay < 0:
		return 0
	case delay >= float64(math.MaxInt64):
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Retry is the standard policy: up to MaxAttempts total attempts with the
// given backoff between them.
type Retry struct {
	// MaxAttempts counts the first attempt; 1 disables retries.
	MaxAttempts int
	// Backoff defaults to no delay.
	Backoff Backoff
	// RetryContractViolations retries nodes that broke their output contract.
	RetryContractViolations bool
	// RetryTimeouts retries nodes whose wait expired.
	RetryTimeouts bool
	// ShouldRetry further filters retryable errors when set.
	ShouldRetry func(error) bool
}

func (r Retry) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= r.MaxAttempts || !r.retryable(err) {
		return 0, false
	}
	if r.ShouldRetry != nil && !r.ShouldRetry(err) {
		return 0, false
	}
	if r.Backoff == nil {
		return 0, true
	}
	return r.Backoff.Delay(attempt - 1), true
}

func (r Retry) retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrCancelled),
		errors.Is(err, domain.ErrGraphBuild),
		errors.Is(err, domain.ErrUpstreamFailed),
		errors.Is(err, domain.ErrUnsupportedCapability):
		return false
	case errors.Is(err, domain.ErrContractViolation):
		return r.RetryContractViolations
	case errors.Is(err, domain.ErrTimeout):
		return r.RetryTimeouts
	default:
		return true
	}
}

// Default returns three attempts with exponential backoff and 20% jitter.
func Default() Policy {
	return Retry{
		MaxAttempts: 3,
		Backoff: Exponential{
			Base:       100 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}
