package scheduler

import "time"

// RetryPolicy bounds transient delivery retries.
type RetryPolicy struct {
	Base        time.Duration // delay after the first failure
	Ceiling     time.Duration // largest delay between attempts
	MaxAttempts int           // failed attempts before the prospect fails
}

// DefaultRetryPolicy waits 15m, 30m, 1h, 2h between five attempts.
var DefaultRetryPolicy = RetryPolicy{
	Base:        15 * time.Minute,
	Ceiling:     6 * time.Hour,
	MaxAttempts: 5,
}

// MaxBackoff bounds the delay of a policy without a Ceiling.
const MaxBackoff = 7 * 24 * time.Hour

// Backoff returns the delay after the given number of consecutive failures:
// min(Base * 2^(attempts-1), Ceiling). The doubling saturates at the ceiling
// instead of wrapping.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	ceiling := p.Ceiling
	if ceiling <= 0 {
		ceiling = MaxBackoff
	}
	d := p.Base
	if d <= 0 {
		// A zero policy still must not make the prospect immediately due.
		d = time.Second
	}
	for i := 1; i < attempts; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Exhausted reports whether attempts reached the limit.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
