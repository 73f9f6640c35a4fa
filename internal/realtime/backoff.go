package realtime

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Policy is the reconnection policy.
type Policy struct {
	// Floor is the first delay after a failure.
	Floor time.Duration
	// Ceiling caps every delay.
	Ceiling time.Duration
	// MaxAttempts is the number of scheduled retries after which the
	// connection is reported as failed.
	MaxAttempts int
	// RecoveryDelay is the wait before the single automatic attempt made
	// after MaxAttempts, with the counter reset.
	RecoveryDelay time.Duration
}

// DefaultPolicy returns the reference policy: 1s floor, 30s ceiling,
// 10 attempts, 10s recovery.
func DefaultPolicy() Policy {
	return Policy{
		Floor:         1 * time.Second,
		Ceiling:       30 * time.Second,
		MaxAttempts:   10,
		RecoveryDelay: 10 * time.Second,
	}
}

// Delay returns min(Floor·2^attempt, Ceiling). It is the reference formula
// for the reconnect schedule: the Manager draws its delays from newSchedule,
// whose n-th delay after a reset equals Delay(n).
//
// With the reference policy:
//   - attempt 0: 1s
//   - attempt 1: 2s
//   - attempt 4: 16s
//   - attempt 5 and later: 30s
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Floor
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Ceiling {
			return p.Ceiling
		}
	}
	if delay > p.Ceiling {
		return p.Ceiling
	}
	return delay
}

// newSchedule returns the exponential schedule the Manager draws delays
// from. Jitter is disabled so the n-th NextBackOff after Reset equals
// Delay(n), and MaxElapsedTime is zero so the schedule never stops on its
// own; the attempt limit is enforced by the Manager.
func newSchedule(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Floor
	b.MaxInterval = p.Ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
