package avatar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling the server while the avatar
// service is considered down.
var ErrCircuitOpen = errors.New("avatar: circuit open, service unavailable")

// State is the operating mode of the breaker guarding side-channel calls.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down ends.
	StateOpen
	// StateHalfOpen lets a single probe call through; its outcome closes or
	// re-opens the breaker.
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

// breaker is a consecutive-failure circuit breaker. Unlike a retry policy it
// never repeats a call; it only stops issuing new ones for a while after the
// service has failed maxFailures times in a row.
type breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

func newBreaker(maxFailures int, resetTimeout time.Duration) *breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// execute runs fn unless the breaker is open. Cancellation of ctx is not
// counted as a service failure.
func (b *breaker) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	probe, err := b.admit(op)
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeActive = false
	}
	switch {
	case err == nil:
		if b.state != StateClosed {
			slog.Info("avatar service recovered", "op", op)
		}
		b.state = StateClosed
		b.failures = 0
	case ctx.Err() != nil:
		// Caller gave up; says nothing about the service.
	case probe:
		b.state = StateOpen
		b.openedAt = b.now()
		slog.Warn("avatar service still failing, circuit re-opened", "op", op, "err", err)
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
			slog.Warn("avatar service failing, circuit opened",
				"op", op,
				"consecutive_failures", b.failures,
				"cool_down", b.resetTimeout,
			)
		}
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// probe.
func (b *breaker) admit(op string) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		slog.Debug("avatar circuit half-open, probing", "op", op)
		fallthrough
	case StateHalfOpen:
		if b.probeActive {
			return false, ErrCircuitOpen
		}
		b.probeActive = true
		return true, nil
	}
	return false, nil
}

// current returns the state, reporting an expired open state as half-open.
func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// reset closes the breaker and clears its counters.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeActive = false
}
