// Package retrypolicy decides what happens after a failed delivery attempt:
// retry with backoff, or give up and escalate to the dead-letter store.
package retrypolicy

import (
	"math"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

// Policy computes retry decisions from the configured backoff curve.
type Policy struct {
	BaseDelay time.Duration
	CapDelay  time.Duration
	// SubstrateRetryDelay is the fixed pause after a queue transport
	// failure. Transport failures never consume delivery attempts.
	SubstrateRetryDelay time.Duration
}

// FromConfig builds a policy from the retry section of the configuration.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		BaseDelay:           cfg.BaseDelay(),
		CapDelay:            cfg.CapDelay(),
		SubstrateRetryDelay: cfg.SubstrateRetryDelay(),
	}
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	// Retry schedules redelivery after Delay.
	Retry bool
	Delay time.Duration
	// Terminal means the job has exhausted its attempts or failed in a way
	// no retry can fix; the caller records a dead-letter entry.
	Terminal bool
}

// Decide maps a failed delivery to its resolution. attemptsMade counts the
// delivery that just failed, so attemptsMade >= maxAttempts means the job got
// every attempt it was promised.
func (p Policy) Decide(attemptsMade, maxAttempts int, err error) Decision {
	if services.IsTerminal(err) {
		return Decision{Terminal: true}
	}
	if attemptsMade >= maxAttempts {
		return Decision{Terminal: true}
	}
	return Decision{Retry: true, Delay: p.BackoffDelay(attemptsMade)}
}

// BackoffDelay returns the delay before the next attempt: base doubled per
// prior attempt, capped. The curve never decreases as attempts grow.
func (p Policy) BackoffDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	mul := math.Pow(2, float64(attemptsMade-1))
	delay := time.Duration(float64(p.BaseDelay) * mul)
	if delay > p.CapDelay || delay <= 0 {
		delay = p.CapDelay
	}
	return delay
}
