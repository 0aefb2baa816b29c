// Package pacing decides how long the dispatcher waits between sends and how
// long a session waits between reconnect attempts.
//
// Nothing here keeps state across calls; callers pass in the outcome or the
// attempt number and get a duration back.
package pacing

import "time"

const (
	DefaultDelay         = 2 * time.Second
	DefaultFollowUpDelay = 1 * time.Second
	DefaultCooldown      = 30 * time.Second

	DefaultBackoffBase  = 1 * time.Second
	DefaultBackoffMax   = 30 * time.Second
	DefaultBackoffTries = 5
)

// Outcome is the classification of one send, as far as pacing cares.
type Outcome int

const (
	Success Outcome = iota
	Failed
	RateLimited
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Policy is the inter-message delay policy.
type Policy struct {
	// Delay is slept after a success or an unrelated failure.
	Delay time.Duration
	// Cooldown replaces Delay once after a rate-limited failure.
	Cooldown time.Duration
}

// DefaultPolicy is the bulk-send policy.
func DefaultPolicy() Policy {
	return Policy{Delay: DefaultDelay, Cooldown: DefaultCooldown}
}

// FollowUpPolicy is the (faster) follow-up policy.
func FollowUpPolicy() Policy {
	return Policy{Delay: DefaultFollowUpDelay, Cooldown: DefaultCooldown}
}

// NextDelay returns the wait before the next recipient. The attempt number is
// accepted for symmetry with Backoff but a rate limit never carries over past
// the single cooldown.
func (p Policy) NextDelay(o Outcome, _ int) time.Duration {
	if o == RateLimited {
		if p.Cooldown > p.Delay {
			return p.Cooldown
		}
		return p.Delay
	}
	if p.Delay < 0 {
		return 0
	}
	return p.Delay
}

// Backoff is the reconnect policy: base * 2^attempt capped at Max, abandoned
// after MaxAttempts consecutive failures.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, MaxAttempts: DefaultBackoffTries}
}

// Delay returns the wait before reconnect attempt n (0-based) and false once
// the attempt ceiling is reached.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	ceil := b.Max
	if ceil < base {
		ceil = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil, true
		}
	}
	return d, true
}
