// Package resilience provides retry and circuit breaker primitives for calls
// to extraction backends.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
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

// ErrCircuitOpen is returned when a call is rejected by an open circuit. It
// is transient: the backend may recover once the reset timeout elapses.
var ErrCircuitOpen = NewTransientError(eris.New("circuit breaker is open"), 0)

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of successful probes that close it.
	HalfOpenMaxProbes int

	// ShouldTrip decides which errors count as failures. Defaults to
	// IsTransient, so permanent errors (bad request) never open the circuit.
	ShouldTrip func(err error) bool

	// OnStateChange runs on every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the defaults used for extractor backends.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards a single backend.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewCircuitBreaker creates a named circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the guarded backend name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the reset
// timeout has passed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMaxProbes {
				cb.failures = 0
				cb.successes = 0
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.successes = 0
		cb.openedAt = cb.now()
		cb.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	zap.L().Info("circuit breaker state change",
		zap.String("backend", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// Breakers hands out one circuit breaker per backend name so that every run
// using the same backend shares its health.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewBreakers creates an empty breaker registry.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Get returns the breaker for name, creating it on first use.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, b.cfg)
		b.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's state.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		list = append(list, cb)
	}
	b.mu.Unlock()

	out := make(map[string]string, len(list))
	for _, cb := range list {
		out[cb.name] = cb.State().String()
	}
	return out
}
