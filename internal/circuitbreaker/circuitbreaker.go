// Package circuitbreaker stops calling a provider's token endpoint after
// repeated transient failures and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed State = iota
	// StateOpen blocks all requests immediately.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
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

// Config holds circuit breaker configuration.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of probe successes needed to close.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests caps concurrent probes.
	MaxHalfOpenRequests int `mapstructure:"max_half_open_requests"`

	// IsFailure decides whether an error counts against the circuit.
	// Defaults to errors.Transient, so rejected grants never trip it.
	IsFailure func(error) bool `mapstructure:"-"`
	// OnStateChange is called after a transition, outside the lock.
	OnStateChange func(name string, from, to State) `mapstructure:"-"`
	// Now overrides the clock in tests.
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns a circuit breaker config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards calls to one provider.
type CircuitBreaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
}

// New creates a new circuit breaker with the given name and config.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = errors.Transient
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{name: name, config: config}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, reporting half-open once the open
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn if the circuit allows it and records the outcome.
// A rejected call returns an UNAVAILABLE error without running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.currentState() {
	case StateOpen:
		return errors.Unavailable("circuit open for " + cb.name)
	case StateHalfOpen:
		if cb.state == StateOpen {
			transition = cb.setState(StateHalfOpen)
		}
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return errors.Unavailable("circuit half-open for " + cb.name + ", probe in flight")
		}
		cb.halfOpenRequests++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	failed := err != nil && cb.config.IsFailure(err)

	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.currentState() {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			transition = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenRequests--
		if failed {
			transition = cb.setState(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			transition = cb.setState(StateClosed)
		}
	}
}

// setState must be called with the lock held. It returns the callback to
// run once the lock is released.
func (cb *CircuitBreaker) setState(next State) func() {
	if cb.state == next {
		return nil
	}
	prev := cb.state
	cb.state = next

	switch next {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateOpen:
		cb.openedAt = cb.config.Now()
		cb.successes = 0
		cb.halfOpenRequests = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.halfOpenRequests = 0
	}

	if cb.config.OnStateChange == nil {
		return nil
	}
	name, fn := cb.name, cb.config.OnStateChange
	return func() { fn(name, prev, next) }
}

// Stats is a snapshot of a breaker.
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Stats returns the current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{Name: cb.name, State: cb.currentState().String(), Failures: cb.failures}
}

// Registry holds one breaker per provider.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   defaultConfig,
	}
}

// Get returns the breaker for name, creating one if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = New(name, r.config)
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for every breaker, sorted by name.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
