package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Config holds the per-provider breaker tunables.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
}

// DefaultConfig returns the default breaker tunables.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// TransitionFunc is invoked after every state transition, outside hot-path
// considerations but while holding the breaker mutex; keep it cheap.
type TransitionFunc func(provider string, from, to State)

// CircuitBreaker tracks the health of one provider. Each registered provider
// owns exactly one breaker; state is guarded by a narrow per-provider mutex
// so breakers never contend with each other.
type CircuitBreaker struct {
	provider string
	config   Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	windowStart         time.Time
	openedAt            time.Time
	probeInFlight       bool

	onTransition TransitionFunc
	now          func() time.Time
}

// New creates a breaker for the given provider with default tunables.
func New(provider string) *CircuitBreaker {
	return NewWithConfig(provider, DefaultConfig())
}

// NewWithConfig creates a breaker with explicit tunables. Zero-valued fields
// fall back to defaults.
func NewWithConfig(provider string, config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = def.FailureWindow
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{
		provider: provider,
		config:   config,
		state:    Closed,
		now:      time.Now,
	}
}

// OnTransition registers a callback invoked on every state change.
func (cb *CircuitBreaker) OnTransition(fn TransitionFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

// SetClock overrides the breaker's time source. Test hook.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// CanExecute reports whether a request may be attempted against the provider.
// In Open state the first call after ResetTimeout transitions the breaker to
// HalfOpen and is admitted as the probe; in HalfOpen state exactly one probe
// is in flight at a time and all other callers are rejected.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionLocked(HalfOpen)
			cb.probeInFlight = true
			fiberlog.Infof("CircuitBreaker: %s admitting half-open probe", cb.provider)
			return true
		}
		return false
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// Available reports whether a request could currently be admitted, without
// transitioning state or claiming the probe slot. Candidate selection and
// health reporting use this; only a real attempt calls CanExecute.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		return cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout
	case HalfOpen:
		return !cb.probeInFlight
	default:
		return false
	}
}

// ReleaseProbe frees the probe slot of an admitted attempt that ended
// without a health verdict, e.g. a fatal request error or the caller
// abandoning a stream. The breaker stays HalfOpen; the next caller may
// probe again.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen && cb.probeInFlight {
		cb.probeInFlight = false
		fiberlog.Debugf("CircuitBreaker: %s probe released without verdict", cb.provider)
	}
}

// RecordSuccess resets the failure counter and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == HalfOpen {
		cb.probeInFlight = false
		cb.transitionLocked(Closed)
		fiberlog.Infof("CircuitBreaker: %s probe succeeded, circuit closed", cb.provider)
	}
}

// RecordFailure counts one retryable failure. Callers must not report fatal
// (request-shaped) errors here; those say nothing about provider health.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case HalfOpen:
		cb.probeInFlight = false
		cb.openedAt = now
		cb.transitionLocked(Open)
		fiberlog.Warnf("CircuitBreaker: %s probe failed, circuit re-opened", cb.provider)
	case Closed:
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.config.FailureWindow {
			cb.windowStart = now
			cb.consecutiveFailures = 0
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionLocked(Open)
			fiberlog.Warnf("CircuitBreaker: %s opened after %d failures within %v",
				cb.provider, cb.consecutiveFailures, cb.config.FailureWindow)
		}
	case Open:
		// Failure reported by an attempt that started before the circuit
		// opened; keep the open window anchored at the latest failure.
		cb.openedAt = now
	}
}

// GetState returns the current breaker state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the state together with the live failure count.
func (cb *CircuitBreaker) Snapshot() (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.consecutiveFailures
}

// Reset forces the breaker back to Closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.windowStart = time.Time{}
	cb.probeInFlight = false
	if cb.state != Closed {
		cb.transitionLocked(Closed)
	}
	fiberlog.Infof("CircuitBreaker: %s reset", cb.provider)
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == Closed {
		cb.consecutiveFailures = 0
		cb.windowStart = time.Time{}
	}
	fiberlog.Debugf("CircuitBreaker: %s transitioned %s -> %s", cb.provider, from, to)
	if cb.onTransition != nil {
		cb.onTransition(cb.provider, from, to)
	}
}
