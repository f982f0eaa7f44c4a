// Package resilience provides the circuit breaker and retry backoff used
// around mail provider calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has elapsed.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the breaker in logs and metrics (usually the owner id).
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration

	// HalfOpenMaxCalls limits concurrent probes.
	HalfOpenMaxCalls int

	// OnStateChange is called synchronously after every transition.
	OnStateChange func(name string, from, to State)

	// IsFailure decides whether an error counts against the circuit.
	// If nil, every non-nil error does.
	IsFailure func(err error) bool
}

// DefaultConfig returns the settings used for provider accounts.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if cfg.SuccessThreshold <= 0 {
		return errors.New("success threshold must be positive")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		return errors.New("half-open max calls must be positive")
	}
	return nil
}

// CircuitBreaker stops calling a provider that keeps failing.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	changedAt     time.Time
}

// NewCircuitBreaker creates a breaker, filling zero config values with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}

	return &CircuitBreaker{
		config:    cfg,
		now:       time.Now,
		changedAt: time.Now(),
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
// A panic in fn is returned as an error and counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if fn == nil {
		return errors.New("function is nil")
	}
	if err := cb.allow(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in circuit breaker %s: %v", cb.config.Name, r)
		}
		cb.record(err)
	}()

	return fn(ctx)
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		if failed {
			cb.transition(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
	cb.changedAt = cb.now()
	if to == StateOpen {
		cb.openedAt = cb.changedAt
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state. An open circuit whose timeout has
// elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a breaker.
type Stats struct {
	State           State
	FailureCount    int
	SuccessCount    int
	LastStateChange time.Time
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		LastStateChange: cb.changedAt,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// BreakerRegistry keeps one breaker per key, created on first use.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   func(key string) Config
}

// NewBreakerRegistry creates a registry that builds breakers with configFactory.
func NewBreakerRegistry(configFactory func(key string) Config) *BreakerRegistry {
	if configFactory == nil {
		panic("config factory cannot be nil")
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   configFactory,
	}
}

// Get returns the breaker for key, creating it if necessary.
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.config(key))
	r.breakers[key] = cb
	return cb
}

// Remove drops the breaker for key.
func (r *BreakerRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// States returns a snapshot of every breaker state by key.
func (r *BreakerRegistry) States() map[string]State {
	r.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(r.breakers))
	for k, cb := range r.breakers {
		breakers[k] = cb
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for k, cb := range breakers {
		out[k] = cb.State()
	}
	return out
}

// Count returns the number of breakers.
func (r *BreakerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}
