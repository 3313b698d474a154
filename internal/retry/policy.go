package retry

import (
	"math/rand"
	"time"
)

// Outcome is the classified result of a failed send attempt. Rate-limit
// deferrals never reach the policy: they are not attempts.
type Outcome string

const (
	// OutcomeTransient covers provider throttling, 4xx SMTP codes,
	// network errors and timeouts
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent covers rejections that will never succeed
	OutcomePermanent Outcome = "permanent"
)

// Decision is the policy verdict for one attempt outcome
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the terminal decision
var GiveUp = Decision{}

// Policy decides whether a failed attempt is retried. Decide is pure
// apart from jitter, which is injectable for tests.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// Jitter returns a value in [0,1); nil means math/rand
	Jitter func() float64
}

// New creates a policy with the given settings
func New(maxAttempts int, base, cap time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap < base {
		cap = base
	}
	return &Policy{MaxAttempts: maxAttempts, Base: base, Cap: cap}
}

// Decide returns the verdict for a task that has made attempts tries, the
// latest of which produced outcome
func (p *Policy) Decide(attempts int, outcome Outcome) Decision {
	if outcome == OutcomePermanent {
		return GiveUp
	}
	if attempts >= p.MaxAttempts {
		return GiveUp
	}
	return Decision{Retry: true, After: p.backoff(attempts)}
}

// backoff is base * 2^(attempts-1), capped, with +/-25% jitter. The
// jittered delays stay strictly increasing attempt over attempt until the
// cap: 0.75 * 2^n > 1.25 * 2^(n-1).
func (p *Policy) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Base
	for i := 1; i < attempts && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}

	j := p.Jitter
	if j == nil {
		j = rand.Float64
	}
	// Scale into [0.75, 1.25)
	return time.Duration(float64(d) * (0.75 + 0.5*j()))
}
