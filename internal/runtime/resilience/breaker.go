package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenSuccesses int
}

// DefaultBreakerConfig returns threshold 5, a 60s reset window and three
// half-open successes to close.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      60 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// BreakerStatus is a point-in-time copy of the breaker counters.
type BreakerStatus struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
}

// Breaker guards the worker from call storms while it is failing. All methods
// are safe for concurrent use.
type Breaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(from, to State)

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewBreaker constructs a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig, now func() time.Time, onChange func(from, to State)) *Breaker {
	defaults := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaults.ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = defaults.HalfOpenSuccesses
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now, onChange: onChange, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker whose reset window
// has elapsed moves to half-open and admits the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
		failures := b.failureCount
		b.mu.Unlock()
		return circuitOpen(failures)
	}
	b.successCount = 0
	from := b.transition(StateHalfOpen)
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return nil
}

// RecordSuccess registers a completed call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenSuccesses {
			b.failureCount = 0
			b.successCount = 0
			from := b.transition(StateClosed)
			b.mu.Unlock()
			b.notify(from, StateClosed)
			return
		}
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
	b.mu.Unlock()
}

// RecordFailure registers a call that failed after exhausting its attempts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailure = b.now()
	open := false
	switch b.state {
	case StateHalfOpen:
		open = true
	case StateClosed:
		open = b.failureCount >= b.cfg.FailureThreshold
	}
	if !open {
		b.mu.Unlock()
		return
	}
	from := b.transition(StateOpen)
	b.mu.Unlock()
	b.notify(from, StateOpen)
}

// Reset forces the breaker closed and zeroes its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
	from := b.transition(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// Status returns a copy of the breaker counters.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	return from
}

func (b *Breaker) notify(from, to State) {
	if from == to || b.onChange == nil {
		return
	}
	b.onChange(from, to)
}
