package hue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

// ErrBreakerOpen is returned without contacting the bridge while the
// breaker is open.
var ErrBreakerOpen = errors.New("hue: circuit breaker open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON status output.
func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Breaker fails bridge calls fast after MaxFailures consecutive failures.
// After ResetTimeout one trial call is let through; its outcome closes or
// reopens the breaker.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        timeutil.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker. maxFailures below 1 is treated as 1.
func NewBreaker(maxFailures int, resetTimeout time.Duration, clock timeutil.Clock) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{maxFailures: maxFailures, resetTimeout: resetTimeout, clock: clock}
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if b.clock.Since(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		monitoring.Logf("hue breaker: half-open, trying bridge")
	} else if b.state == BreakerHalfOpen {
		// A trial call is already in flight.
		b.mu.Unlock()
		return ErrBreakerOpen
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != BreakerClosed {
			monitoring.Logf("hue breaker: closed after successful call")
		}
		b.state = BreakerClosed
		b.failures = 0
		return nil
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			monitoring.Logf("hue breaker: open after %d failures: %v", b.failures, err)
		}
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
