package resilience

import (
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Breaker tracks consecutive failures for one operation name and fast-fails
// calls while the operation is known unhealthy. Transitions are strictly
// closed→open→half-open→closed|open.
type Breaker struct {
	mu            sync.Mutex
	op            string
	threshold     int
	resetTimeout  time.Duration
	now           func() time.Time
	state         string
	failures      int
	openedAt      time.Time
	trialInFlight bool
	onTransition  func(op, from, to string)
}

func newBreaker(op string, threshold int, resetTimeout time.Duration, now func() time.Time, onTransition func(op, from, to string)) *Breaker {
	return &Breaker{
		op:           op,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          now,
		state:        StateClosed,
		onTransition: onTransition,
	}
}

// Allow admits or rejects a call. While open it rejects with CircuitOpenError
// until the reset timeout elapses, then admits exactly one half-open trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		wait := b.resetTimeout - b.now().Sub(b.openedAt)
		if wait > 0 {
			return &CircuitOpenError{Op: b.op, RetryAfter: wait}
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	default: // half-open
		if b.trialInFlight {
			return &CircuitOpenError{Op: b.op}
		}
		b.trialInFlight = true
		return nil
	}
}

// OnSuccess records a successful call; a half-open trial closes the circuit.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// OnFailure records a failed call; at threshold consecutive failures the
// circuit opens, and a failed half-open trial re-opens it.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.op, from, to)
	}
}

// breaker returns the Breaker for op, creating it lazily. Threshold and
// reset come from the first policy seen for the name.
func (c *Core) breaker(op string, p Policy) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[op]
	if !ok {
		b = newBreaker(op, p.BreakerThreshold, p.BreakerResetTimeout, c.now, c.onBreakerChange)
		c.breakers[op] = b
	}
	return b
}

// BreakerState reports the state of the named operation's breaker, or
// "closed" if none exists yet.
func (c *Core) BreakerState(op string) string {
	c.mu.Lock()
	b, ok := c.breakers[op]
	c.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}
