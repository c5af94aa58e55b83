// Package circuit provides a small circuit breaker for best-effort side
// channels. Callers wrap each attempt in Do; after enough consecutive
// failures the breaker opens and rejects attempts immediately until a
// cooldown passes, then lets one probe through.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting attempts.
var ErrOpen = errors.New("circuit open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
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
	}
	return "unknown"
}

// Options tune the breaker. Zero values get sensible defaults.
type Options struct {
	// MaxFailures is the consecutive failure count that opens the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration

	// OnStateChange is invoked, outside the lock, on every transition.
	OnStateChange func(from, to State)

	// Now overrides the clock.
	Now func() time.Time
}

// Breaker tracks consecutive failures of one dependency.
type Breaker struct {
	maxFailures   int
	cooldown      time.Duration
	onStateChange func(from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		maxFailures:   opts.MaxFailures,
		cooldown:      opts.Cooldown,
		onStateChange: opts.OnStateChange,
		now:           opts.Now,
	}
}

// Do runs fn unless the breaker is open. The fn error is returned as-is so
// callers can tell a rejected attempt (ErrOpen) from a failed one.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		notify := b.transition(StateHalfOpen)
		b.mu.Unlock()
		notify()
		return nil
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()

	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.openedAt = b.now()
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		// The probe failed; back to a full cooldown.
		b.openedAt = b.now()
		notify = b.transition(StateOpen)
	}

	b.mu.Unlock()
	notify()
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()

	notify := func() {}
	b.failures = 0
	if b.state == StateHalfOpen {
		notify = b.transition(StateClosed)
	}

	b.mu.Unlock()
	notify()
}

// transition must be called under the lock; the returned func fires the
// callback and must be invoked after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	b.failures = 0

	if b.onStateChange == nil {
		return func() {}
	}
	cb := b.onStateChange
	return func() { cb(from, to) }
}
