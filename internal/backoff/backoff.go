// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"math"
	"time"
)

// longest is where an uncapped delay stops doubling.
const longest = time.Duration(math.MaxInt64)

// Strategy computes the delay before the next attempt of a job that has
// already been retried retryCount times (0 for the first failure).
type Strategy interface {
	Delay(retryCount int) time.Duration
}

// Exponential doubles the delay on every retry.
// Delay = min(Initial * 2^retryCount, Max). A Max of zero or less leaves the
// delay uncapped up to the largest time.Duration.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^retryCount, capped at Max.
func (e *Exponential) Delay(retryCount int) time.Duration {
	d := e.Initial
	if d <= 0 {
		return 0
	}
	for i := 0; i < retryCount; i++ {
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		if d > longest/2 {
			return longest
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Default is the queue's retry policy: 30s doubling per retry, capped at 15 minutes.
func Default() Strategy {
	return NewExponential(30*time.Second, 15*time.Minute)
}
