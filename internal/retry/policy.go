package retry

import "time"

// Policy describes a bounded exponential backoff: base delay doubling per
// attempt, capped at MaxDelay, with at most MaxAttempts tries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	IsRetryable func(err error) bool
}

// Delay returns the backoff delay before the given attempt (0-based).
// Delays are monotonically non-decreasing up to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the attempt budget is used up.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Retryable reports whether the error is worth another attempt under this
// policy. A nil classifier treats every error as retryable.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.IsRetryable == nil {
		return true
	}
	return p.IsRetryable(err)
}
