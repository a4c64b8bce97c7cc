package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
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
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Breaker stops admitting device work after consecutive failures and lets a
// single probe through once the cool-down has elapsed. It is thread-safe.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	coolDown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time
}

// New returns a closed breaker that opens after maxFailures consecutive
// failures and stays open for coolDown.
func New(maxFailures int, coolDown time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: max(1, maxFailures),
		coolDown:    coolDown,
		now:         time.Now,
	}
}

// Allow reports whether an operation may proceed. Every allowed operation
// must be followed by Success, Failure or Cancel.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	default:
		// one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success closes the breaker and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed operation; a failed probe reopens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// Cancel ends an allowed operation that was abandoned before it produced an
// outcome. Counts are untouched; a half-open probe slot is freed.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
