package resiliency

import (
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig matches the SIEM forwarding defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 60 * time.Second}
}

// CircuitBreaker implements a CLOSED -> OPEN -> HALF_OPEN state machine.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	cfg          BreakerConfig
	failureCount int
	successCount int
	lastFailure  time.Time
	state        State
	now          func() time.Time
	onChange     func(name string, from, to State)
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// WithClock overrides the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// OnStateChange registers a callback fired on every transition. The
// callback runs with the breaker's lock held and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, moving OPEN to HALF_OPEN if the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state != StateOpen
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
		return
	}
	cb.failureCount++
	if cb.failureCount >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successCount = 0
	if to == StateClosed {
		cb.failureCount = 0
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// BreakerGroup hands out one breaker per key, created on first use.
type BreakerGroup struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
	now      func() time.Time
	onChange func(name string, from, to State)
}

func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{cfg: cfg, breakers: make(map[string]*CircuitBreaker), now: time.Now}
}

// WithClock overrides the time source for breakers created afterwards.
func (g *BreakerGroup) WithClock(now func() time.Time) *BreakerGroup {
	g.now = now
	return g
}

// OnStateChange registers a callback for breakers created afterwards.
func (g *BreakerGroup) OnStateChange(fn func(name string, from, to State)) *BreakerGroup {
	g.onChange = fn
	return g
}

// Get returns the breaker for key.
func (g *BreakerGroup) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, g.cfg).WithClock(g.now).OnStateChange(g.onChange)
		g.breakers[key] = cb
	}
	return cb
}

// States snapshots every breaker's state.
func (g *BreakerGroup) States() map[string]State {
	g.mu.Lock()
	keys := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		keys = append(keys, cb)
	}
	g.mu.Unlock()

	out := make(map[string]State, len(keys))
	for _, cb := range keys {
		out[cb.name] = cb.State()
	}
	return out
}
