// Package resilience guards outgoing transport calls.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// capture pipeline routes every realtime audio send through one, so that a
// transport which keeps rejecting writes trips the breaker and is escalated to
// the session as a single transport error instead of a flood of per-chunk
// failures. Sessions never retry on their own; a breaker that re-closes only
// lets a degraded connection resume delivering audio.
//
// [FallbackGroup] puts a breaker in front of each of several interchangeable
// values and tries them in order. [FallbackDialer] uses it to open a session
// on a secondary transport when the primary refuses.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the call was
// rejected without running.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A failed
	// probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open, and the
	// number of successes needed to close again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Counts is a snapshot of breaker bookkeeping.
type Counts struct {
	ConsecutiveFailures int
	Rejected            int64
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
	rejected  int64
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Rejected calls return [ErrCircuitOpen] and never run fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, change, ok := cb.admit()
	cb.notify(change)
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	cb.notify(cb.record(probe, err == nil))
	return err
}

// transition describes a state change to report after unlocking.
type transition struct {
	from, to State
}

// admit decides whether a call may proceed.
func (cb *CircuitBreaker) admit() (probe bool, change *transition, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.rejected++
			return false, nil, false
		}
		change = cb.setLocked(StateHalfOpen)
		cb.probes, cb.successes = 0, 0
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.rejected++
			return false, change, false
		}
		cb.probes++
		return true, change, true
	default:
		return false, nil, true
	}
}

// record books the outcome of an admitted call.
func (cb *CircuitBreaker) record(probe, success bool) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		if cb.state != StateHalfOpen {
			return nil
		}
		if !success {
			cb.failures = cb.cfg.MaxFailures
			cb.openedAt = cb.cfg.Now()
			slog.Warn("circuit breaker re-opened from half-open", "name", cb.cfg.Name)
			return cb.setLocked(StateOpen)
		}
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
			return cb.setLocked(StateClosed)
		}
		return nil
	}

	if success {
		cb.failures = 0
		return nil
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.Now()
		slog.Warn("circuit breaker opened",
			"name", cb.cfg.Name,
			"consecutive_failures", cb.failures)
		return cb.setLocked(StateOpen)
	}
	return nil
}

func (cb *CircuitBreaker) setLocked(to State) *transition {
	from := cb.state
	cb.state = to
	if from == to {
		return nil
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t != nil && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Counts returns the current bookkeeping.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{ConsecutiveFailures: cb.failures, Rejected: cb.rejected}
}

// Reset forces the breaker back to [StateClosed] and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.setLocked(StateClosed)
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
	cb.notify(change)
}
