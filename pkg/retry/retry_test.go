package retry_test

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/retry"
)

func TestExponential_Delay(t *testing.T) {
	e := retry.Exponential{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, e.Delay(0))
	assert.Equal(t, 200*time.Millisecond, e.Delay(1))
	assert.Equal(t, 400*time.Millisecond, e.Delay(2))
	assert.Equal(t, time.Second, e.Delay(10), "capped at Max")
}

func TestExponential_DelayWithoutMaxSaturates(t *testing.T) {
	e := retry.Exponential{Base: time.Second}
	assert.Equal(t, time.Duration(math.MaxInt64), e.Delay(100))
	assert.Equal(t, time.Duration(math.MaxInt64), e.Delay(5000), "+Inf")
	assert.Equal(t, time.Duration(0), retry.Exponential{}.Delay(5000), "zero base stays zero")
}

func TestExponential_JitterBounds(t *testing.T) {
	e := retry.Exponential{Base: 100 * time.Millisecond, Multiplier: 3, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := e.Delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 450*time.Millisecond)
	}
}

func TestRetry_Next(t *testing.T) {
	boom := errors.New("boom")
	p := retry.Retry{MaxAttempts: 3, Backoff: retry.Constant{Interval: time.Second}}

	d, ok := p.Next(1, boom)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	_, ok = p.Next(2, boom)
	assert.True(t, ok)
	_, ok = p.Next(3, boom)
	assert.False(t, ok, "attempts exhausted")
}

func TestRetry_Classification(t *testing.T) {
	missing := &domain.MissingOutputError{NodeID: "n", Missing: []string{"a"}}
	timeout := &domain.TimeoutError{NodeID: "n"}
	cancelled := &domain.CancelledError{RunID: "r"}

	tests := []struct {
		name   string
		policy retry.Retry
		err    error
		want   bool
	}{
		{"plain error", retry.Retry{MaxAttempts: 2}, errors.New("x"), true},
		{"wrapped cancellation", retry.Retry{MaxAttempts: 2, RetryContractViolations: true}, fmt.Errorf("w: %w", cancelled), false},
		{"contract violation default", retry.Retry{MaxAttempts: 2}, missing, false},
		{"contract violation opt-in", retry.Retry{MaxAttempts: 2, RetryContractViolations: true}, missing, true},
		{"timeout default", retry.Retry{MaxAttempts: 2}, timeout, false},
		{"timeout opt-in", retry.Retry{MaxAttempts: 2, RetryTimeouts: true}, timeout, true},
		{"graph build", retry.Retry{MaxAttempts: 2}, &domain.CycleError{}, false},
		{"filter", retry.Retry{MaxAttempts: 2, ShouldRetry: func(error) bool { return false }}, errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.policy.Next(1, tt.err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestNever(t *testing.T) {
	_, ok := retry.Never{}.Next(1, errors.New("x"))
	assert.False(t, ok)
}
