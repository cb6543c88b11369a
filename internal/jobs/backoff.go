package jobs

import (
	"math"
	"time"
)

// BackoffKind selects how retry delays grow between attempts.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// BackoffPolicy computes the delay before re-admitting a failed job.
type BackoffPolicy struct {
	Kind BackoffKind
	Base time.Duration
	Max  time.Duration
}

// Exponential returns a doubling policy starting at base, capped at max.
func Exponential(base, max time.Duration) BackoffPolicy {
	return BackoffPolicy{Kind: BackoffExponential, Base: base, Max: max}
}

// Fixed returns a constant-delay policy.
func Fixed(base time.Duration) BackoffPolicy {
	return BackoffPolicy{Kind: BackoffFixed, Base: base}
}

// Delay returns the backoff before the given retry (1-indexed: attempt 1
// is the first retry). Exponential delay is Base * 2^(attempt-1), capped
// at Max when Max is set.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Kind {
	case BackoffFixed:
		return p.Base
	default:
		d := float64(p.Base) * math.Pow(2, float64(attempt-1))
		if p.Max > 0 && d > float64(p.Max) {
			return p.Max
		}
		return time.Duration(d)
	}
}
