// Package resilience implements a small circuit breaker used around outbound
// calls to unreliable collaborators (currently the workspace URL fetcher).
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures breaker behavior. Zero values get safe defaults.
type Settings struct {
	// TripAfter is the number of consecutive failures that opens the circuit.
	TripAfter uint32
	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration
	// Probes is how many consecutive successes in half-open close the circuit.
	Probes uint32
}

// Breaker tracks consecutive failures and short-circuits calls once tripped.
type Breaker struct {
	name     string
	settings Settings

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
}

// New creates a breaker with the given settings.
func New(name string, settings Settings) *Breaker {
	if settings.TripAfter == 0 {
		settings.TripAfter = 5
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	return &Breaker{name: name, settings: settings}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Do runs op unless the circuit is open. A panic counts as a failure.
func (b *Breaker) Do(op func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	success := false
	defer func() { b.record(success) }()

	if err := op(); err != nil {
		return err
	}
	success = true
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState(time.Now()) == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if success {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.settings.Probes {
				b.state = StateClosed
				b.successes = 0
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	if state == StateHalfOpen || b.failures >= b.settings.TripAfter {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// currentState must be called with b.mu held.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}
