package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-target breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures before opening.
	// Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before admitting a probe.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state        CircuitState
	failures     int
	openedAt     time.Time
	halfOpenUsed int
}

// CircuitBreakers guards invocation targets ("agent:<id>", "tool:<name>").
// Only transient failures count against a target: a malformed request says
// nothing about the target's health.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time

	// OnStateChange, if set, is called outside the lock after a transition.
	OnStateChange func(target string, from, to CircuitState)
}

// NewCircuitBreakers creates an empty set of breakers.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a call to target may proceed, or a CIRCUIT_OPEN error.
func (c *CircuitBreakers) Allow(target string) error {
	if c == nil || c.config.FailureThreshold <= 0 || target == "" {
		return nil
	}
	c.mu.Lock()
	b := c.get(target)
	from := b.state
	var err error
	switch b.state {
	case CircuitOpen:
		if c.now().Sub(b.openedAt) < c.config.Cooldown {
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %s after %d consecutive failures", target, b.failures).
				WithDetails(map[string]any{
					"target":             target,
					"failures":           b.failures,
					"cooldown_remaining": (c.config.Cooldown - c.now().Sub(b.openedAt)).String(),
				})
			break
		}
		b.state = CircuitHalfOpen
		b.halfOpenUsed = 1
	case CircuitHalfOpen:
		if b.halfOpenUsed >= c.config.HalfOpenMax {
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %s: probe in flight", target).
				WithDetails(map[string]any{"target": target})
			break
		}
		b.halfOpenUsed++
	}
	to := b.state
	c.mu.Unlock()

	c.notify(target, from, to)
	return err
}

// Record updates target's breaker with the outcome of one call.
func (c *CircuitBreakers) Record(target string, callErr error) {
	if c == nil || c.config.FailureThreshold <= 0 || target == "" {
		return
	}
	c.mu.Lock()
	b := c.get(target)
	from := b.state
	switch {
	case callErr == nil:
		b.failures = 0
		b.halfOpenUsed = 0
		b.state = CircuitClosed
	case schema.CodeOf(callErr) == schema.ErrCodeCircuitOpen:
		// Rejections never reached the target.
	case b.state == CircuitHalfOpen && errors.Is(callErr, context.Canceled):
		// The probe was abandoned; wait out another cooldown.
		b.halfOpenUsed = 0
		b.state = CircuitOpen
		b.openedAt = c.now()
	case !IsTransient(callErr):
		// The target answered; a permanent failure says nothing about its health.
		if b.state == CircuitHalfOpen {
			b.failures = 0
			b.halfOpenUsed = 0
			b.state = CircuitClosed
		}
	default:
		b.failures++
		if b.state == CircuitHalfOpen || b.failures >= c.config.FailureThreshold {
			b.halfOpenUsed = 0
			b.state = CircuitOpen
			b.openedAt = c.now()
		}
	}
	to := b.state
	c.mu.Unlock()

	c.notify(target, from, to)
}

// State returns target's current state.
func (c *CircuitBreakers) State(target string) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(target)
	if b.state == CircuitOpen && c.now().Sub(b.openedAt) >= c.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (c *CircuitBreakers) get(target string) *breaker {
	b, ok := c.breakers[target]
	if !ok {
		b = &breaker{state: CircuitClosed}
		c.breakers[target] = b
	}
	return b
}

func (c *CircuitBreakers) notify(target string, from, to CircuitState) {
	if from != to && c.OnStateChange != nil {
		c.OnStateChange(target, from, to)
	}
}
