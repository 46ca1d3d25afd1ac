// Package breaker implements the circuit breaker pattern used to guard
// calls to external collaborators. Breaker state is process-local: after a
// restart every breaker starts out closed.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// StateClosed is the normal operating state. Calls pass through.
	StateClosed State = iota
	// StateOpen indicates the circuit has tripped. Calls are rejected.
	StateOpen
	// StateHalfOpen indicates the circuit is testing whether the
	// collaborator has recovered.
	StateHalfOpen
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrOpen is returned when the circuit breaker refuses to execute a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the parameters for a circuit breaker.
type Config struct {
	// WindowSize is the number of most recent call outcomes considered
	// when computing the failure ratio. Defaults to 10.
	WindowSize int

	// FailureRatio is the failure ratio over the window that trips the
	// circuit from closed to open. Defaults to 0.5.
	FailureRatio float64

	// MinCalls is the minimum number of outcomes that must be present in
	// the window before the ratio is evaluated. Defaults to 5.
	MinCalls int

	// Interval bounds the age of outcomes counted in the window.
	// Outcomes older than Interval are discarded. Defaults to 1 minute.
	Interval time.Duration

	// Cooldown is how long the circuit stays open before allowing a
	// half-open trial call. Defaults to 30 seconds.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinCalls <= 0 {
		c.MinCalls = 5
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker tracks the outcomes of calls to a single collaborator and
// short-circuits once the failure ratio over the rolling window exceeds
// the configured threshold.
type Breaker struct {
	name   string
	config Config

	mu             sync.Mutex
	state          State
	window         []outcome
	lastTransition time.Time
	trialInFlight  bool
	onStateChange  func(name string, from, to State)

	// now is injectable for tests.
	now func() time.Time
}

// New creates a breaker for the named collaborator.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:           name,
		config:         config.withDefaults(),
		state:          StateClosed,
		lastTransition: time.Now(),
		now:            time.Now,
	}
}

// Name returns the collaborator name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a callback invoked on every state transition.
// The callback runs while the breaker's lock is held and must not call
// back into the breaker.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs fn through the breaker. When the circuit is open it returns
// ErrOpen without invoking fn. A non-nil error from fn counts as a failure;
// context deadline errors are failures like any other.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(trial, callErr != nil)
	return callErr
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.lastTransition) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.trialInFlight = true
			return true, nil
		}
		return false, ErrOpen

	case StateHalfOpen:
		// A single trial call at a time.
		if b.trialInFlight {
			return false, ErrOpen
		}
		b.trialInFlight = true
		return true, nil
	}

	return false, ErrOpen
}

func (b *Breaker) record(trial, failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if failure {
			b.transitionTo(StateOpen)
		} else {
			b.window = nil
			b.transitionTo(StateClosed)
		}
		return
	}

	if b.state != StateClosed {
		return
	}

	b.window = append(b.window, outcome{at: b.now(), failure: failure})
	b.prune()

	if len(b.window) < b.config.MinCalls {
		return
	}

	failures := 0
	for _, o := range b.window {
		if o.failure {
			failures++
		}
	}

	if float64(failures)/float64(len(b.window)) >= b.config.FailureRatio {
		b.transitionTo(StateOpen)
	}
}

// prune drops outcomes that fell out of the rolling window, either by
// count or by age.
func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.config.Interval)
	kept := b.window[:0]
	for _, o := range b.window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	b.window = kept

	if len(b.window) > b.config.WindowSize {
		b.window = b.window[len(b.window)-b.config.WindowSize:]
	}
}

func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.lastTransition = b.now()
	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, next)
	}
}

// Registry hands out one breaker per collaborator name. It is constructed
// at startup and injected into the components that need it; there is no
// package-level instance.
type Registry struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*Breaker
	onChange func(name string, from, to State)
}

// NewRegistry creates a registry that builds breakers with the given config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers a callback applied to every breaker the registry
// creates. Must be called before the first Get.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the breaker for the named collaborator, creating it on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(name, r.config)
	if r.onChange != nil {
		b.onStateChange = r.onChange
	}
	r.breakers[name] = b
	return b
}
