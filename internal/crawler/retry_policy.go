package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff yields the wait before retry number attempt (1-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles its window per attempt up to maxDelay. Without a
// floor the wait is drawn from the upper half of the window; with one, the
// window's lower edge starts at floor and doubles alongside it.
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	floor     time.Duration
}

// NewExponentialBackoff builds an exponential backoff; zero values fall back
// to 250ms and 5s.
func NewExponentialBackoff(baseDelay, maxDelay time.Duration) *ExponentialBackoff {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialBackoff{baseDelay: baseDelay, maxDelay: maxDelay}
}

// NewRateLimitBackoff waits within [lo, hi] after the first 429 and doubles
// both edges for each consecutive one, never beyond ceiling.
func NewRateLimitBackoff(lo, hi, ceiling time.Duration) *ExponentialBackoff {
	b := NewExponentialBackoff(hi, max(ceiling, hi))
	b.floor = min(max(lo, 0), b.baseDelay)
	return b
}

// Delay returns the jittered wait for attempt.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	scale := math.Pow(2, float64(attempt-1))
	hi := time.Duration(math.Min(float64(b.baseDelay)*scale, float64(b.maxDelay)))
	lo := hi / 2
	if b.floor > 0 {
		lo = time.Duration(math.Min(float64(b.floor)*scale, float64(hi)))
	}
	return lo + randomDuration(hi-lo)
}

// LinearBackoff waits attempt × step.
type LinearBackoff struct {
	Step time.Duration
}

// Delay returns attempt × step.
func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * b.Step
}

// JitterRange waits a uniformly random duration in [Min, Max] regardless of
// the attempt number.
type JitterRange struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns a random duration within the range.
func (j JitterRange) Delay(int) time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + randomDuration(j.Max-j.Min)
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
