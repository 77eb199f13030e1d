package delivery

import (
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/util/clock"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive failures towards one destination.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker opens after threshold consecutive failures and stays
// open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration, c clock.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, clock: clock.OrSystem(c)}
}

// Allow reports whether an attempt may proceed. When it may not, it also
// returns how long until the breaker half-opens. In the half-open state
// only one probe is let through at a time.
func (b *CircuitBreaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		remaining := b.cooldown - b.clock.Now().Sub(b.openedAt)
		if remaining > 0 {
			return false, remaining
		}
		b.state = BreakerHalfOpen
		b.probing = true
		log.Debug("circuit half-open, probing")
		return true, 0
	case BreakerHalfOpen:
		if b.probing {
			return false, b.cooldown
		}
		b.probing = true
		return true, 0
	default:
		return true, 0
	}
}

// Success closes the breaker and clears the failure count.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		log.Debug("circuit closed")
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// Failure counts a failed attempt, opening the breaker at the threshold
// or immediately when a half-open probe fails.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		if b.state != BreakerOpen {
			log.WithField("failures", b.failures).Debug("circuit opened")
		}
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
}

// State returns the current state. An open breaker whose cooldown has
// passed reports half-open.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// RetryAfter is how long an open breaker keeps short-circuiting, zero
// otherwise.
func (b *CircuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	if remaining := b.cooldown - b.clock.Now().Sub(b.openedAt); remaining > 0 {
		return remaining
	}
	return 0
}

// idle reports a closed breaker with no failures on record, which carries no
// state worth keeping.
func (b *CircuitBreaker) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed && b.failures == 0
}

// Reset closes the breaker.
func (b *CircuitBreaker) Reset() {
	b.Success()
}
