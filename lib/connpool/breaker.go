package connpool

import (
	"sync"
	"time"
)

// Default dial breaker values.
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerCooldown         = 5 * time.Second
)

// BreakerConfig configures per-endpoint dial circuit breaking. After
// FailureThreshold consecutive dial failures to an endpoint, takes that
// would dial it fail with ErrCircuitOpen until Cooldown has passed. One
// trial dial is then let through; its outcome closes or reopens the circuit.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables circuit breaking.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects dials.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default dial breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultBreakerFailureThreshold,
		Cooldown:         DefaultBreakerCooldown,
	}
}

// CircuitState is the state of an endpoint's dial circuit.
type CircuitState int

const (
	// CircuitClosed lets dials through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects dials.
	CircuitOpen
	// CircuitHalfOpen has one trial dial in flight.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker tracks dial outcomes for one endpoint.
type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// allow reports whether a dial may proceed. An open circuit past its
// cooldown admits exactly one trial dial.
func (b *breaker) allow(cfg BreakerConfig, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if now.Sub(b.openedAt) < cfg.Cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		return true
	case CircuitHalfOpen:
		return false
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	b.state = CircuitClosed
	b.failures = 0
	b.mu.Unlock()
}

// failure records a failed dial and reports whether it opened the circuit.
func (b *breaker) failure(cfg BreakerConfig, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || (b.state == CircuitClosed && b.failures >= cfg.FailureThreshold) {
		b.state = CircuitOpen
		b.openedAt = now
		return true
	}
	return false
}

// abandon releases a trial dial that ended without an outcome.
func (b *breaker) abandon() {
	b.mu.Lock()
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
	}
	b.mu.Unlock()
}

func (b *breaker) current(cfg BreakerConfig, now time.Time) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}
