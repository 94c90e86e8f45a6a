// Package circuitbreaker stops calls to a collector that keeps failing and
// tries it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until the timeout elapses.
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through.
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

// Config contains configuration for the circuit breaker.
type Config struct {
	// Name labels log lines, e.g. the collector target name.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the collector. Errors it
	// rejects are returned to the caller but leave the breaker untouched.
	// Defaults to counting every non-nil error.
	IsFailure func(error) bool
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker is safe for concurrent use by multiple goroutines.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastStateChange time.Time
	config          Config
	now             func() time.Time
}

// New creates a breaker. Negative or zero settings other than
// FailureThreshold fall back to DefaultConfig values.
func New(config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold < 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Call runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if cb.config.FailureThreshold == 0 {
		return fn()
	}

	trial, ok := cb.acquire()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err, trial)
	return err
}

// acquire reserves a slot for one call. trial is true when the call runs in
// the half-open state.
func (cb *CircuitBreaker) acquire() (trial bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
		cb.setState(StateHalfOpen)
		slog.Info("circuit breaker half-open, probing collector", "target", cb.config.Name)
	}

	switch cb.state {
	case StateClosed:
		return false, true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return true, false
		}
		cb.halfOpenCalls++
		return true, true
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if err != nil && cb.config.IsFailure(err) {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			slog.Info("circuit breaker closed, collector recovered", "target", cb.config.Name)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			slog.Warn("circuit breaker opened",
				"target", cb.config.Name,
				"consecutive_failures", cb.failures,
				"threshold", cb.config.FailureThreshold)
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		slog.Warn("circuit breaker reopened, trial failed", "target", cb.config.Name)
		cb.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
}

// State returns the current state. An open breaker whose timeout has elapsed
// still reports open until the next call tries it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count in the current state.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
