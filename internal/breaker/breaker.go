// Package breaker implements a consecutive-failure circuit breaker.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
//
//	CLOSED ──[threshold failures]──► OPEN
//	   ▲                               │ [cooldown]
//	   └──[probe ok]── HALF_OPEN ◄─────┘
//	                       │ [probe failed]
//	                       └──────────────► OPEN
type State int

const (
	// Closed is the normal operating state.
	Closed State = iota

	// Open rejects every call until the cooldown elapses.
	Open

	// HalfOpen admits exactly one probe call.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is consecutive failures before opening. Default: 5
	FailureThreshold int

	// Cooldown is how long to stay open before admitting a probe. Default: 30s
	Cooldown time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Ticket identifies the breaker generation a call was admitted in. Every
// state change starts a new generation.
type Ticket uint64

// Breaker is safe for concurrent use.
type Breaker struct {
	config     Config
	mu         sync.Mutex
	state      State
	generation Ticket
	failures   int
	openedAt   time.Time
	probing    bool
}

// New creates a breaker in the closed state.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{config: config}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	ticket, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	b.Record(ticket, err)
	return err
}

// Allow reports whether a call may proceed. A nil error obliges the caller
// to Record the outcome with the returned ticket.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	var from, to State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, to)
		}
	}()

	switch b.state {
	case Closed:
		return b.generation, nil
	case Open:
		if b.config.Now().Sub(b.openedAt) < b.config.Cooldown {
			return 0, ErrOpen
		}
		from, to, changed = b.state, HalfOpen, true
		b.setState(HalfOpen)
		b.probing = true
		return b.generation, nil
	case HalfOpen:
		if b.probing {
			return 0, ErrOpen
		}
		b.probing = true
		return b.generation, nil
	}
	return 0, ErrOpen
}

// Record records the outcome of an admitted call. Outcomes from an earlier
// generation are ignored, so a slow call admitted while closed cannot decide
// a half-open probe.
func (b *Breaker) Record(ticket Ticket, err error) {
	b.mu.Lock()
	if ticket != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	to := from

	if err != nil {
		b.failures++
		switch b.state {
		case Closed:
			if b.failures >= b.config.FailureThreshold {
				to = Open
			}
		case HalfOpen:
			to = Open
		}
		if to == Open {
			b.openedAt = b.config.Now()
		}
	} else {
		b.failures = 0
		if b.state == HalfOpen {
			to = Closed
		}
	}
	if b.state == HalfOpen {
		b.probing = false
	}
	if to != from {
		b.setState(to)
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

// setState moves to s and starts a new generation. Callers hold mu.
func (b *Breaker) setState(s State) {
	b.state = s
	b.generation++
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has elapsed
// still reports Open until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	if from != Closed {
		b.setState(Closed)
	}
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}
