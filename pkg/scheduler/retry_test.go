package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 15 * time.Minute},
		{1, 15 * time.Minute},
		{2, 30 * time.Minute},
		{3, time.Hour},
		{4, 2 * time.Hour},
		{6, 6 * time.Hour},
		{40, 6 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}

	assert.Equal(t, time.Second, RetryPolicy{}.Backoff(1))
	assert.Equal(t, 4*time.Second, RetryPolicy{}.Backoff(3))
}

func TestRetryPolicy_BackoffSaturates(t *testing.T) {
	noCeiling := RetryPolicy{Base: 1 << 40}
	for _, attempts := range []int{30, 64, 1000} {
		assert.Equal(t, MaxBackoff, noCeiling.Backoff(attempts), "attempts=%d", attempts)
	}

	huge := RetryPolicy{Base: time.Minute, Ceiling: time.Duration(math.MaxInt64)}
	for _, attempts := range []int{40, 63, 64, 200} {
		assert.Positive(t, huge.Backoff(attempts), "attempts=%d", attempts)
	}

	// A base above the ceiling is clamped from the first failure.
	assert.Equal(t, time.Hour, RetryPolicy{Base: 2 * time.Hour, Ceiling: time.Hour}.Backoff(1))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, RetryPolicy{}.Exhausted(100))
}
