package resilience

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/l0p7/bankbridge/internal/metrics"
)

// RetryPolicy controls how many attempts an operation gets and how long to
// wait between them.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	RetryableKinds []Kind
}

// DefaultRetryPolicy returns three attempts with 1s base delay doubling up to
// 30s, retrying only transient kinds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		RetryableKinds: []Kind{
			KindNetworkTimeout,
			KindBridgeUnavailable,
			KindProcessCommunication,
			KindResourceExhausted,
		},
	}
}

// Delay returns the wait before the attempt following the given (1-based)
// failed attempt: min(base * multiplier^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	schedule := p.backOff()
	var delay time.Duration
	for range attempt {
		delay = schedule.NextBackOff()
	}
	return delay
}

// backOff returns a fresh jitter-free exponential schedule with no elapsed
// time limit; the attempt count bounds it instead.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	schedule.Reset()
	return schedule
}

func (p RetryPolicy) retryable(kind Kind) bool {
	return slices.Contains(p.RetryableKinds, kind)
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	Retry   RetryPolicy
	Breaker BreakerConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
	Sleep   func(context.Context, time.Duration) error
}

// Manager is the single point that decides whether a failed worker operation
// is retried, tripped, or surfaced. One Manager owns one Breaker.
type Manager struct {
	policy  RetryPolicy
	breaker *Breaker
	logger  *slog.Logger
	metrics *metrics.Recorder
	sleep   func(context.Context, time.Duration) error
}

// NewManager wires the retry policy and circuit breaker.
func NewManager(opts Options) *Manager {
	policy := opts.Retry
	defaults := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = defaults.Multiplier
	}
	if policy.RetryableKinds == nil {
		policy.RetryableKinds = defaults.RetryableKinds
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "resilience"))
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	m := &Manager{
		policy:  policy,
		logger:  logger,
		metrics: opts.Metrics,
		sleep:   sleep,
	}
	m.breaker = NewBreaker(opts.Breaker, opts.Clock, m.onBreakerChange)
	m.metrics.SetCircuitState(string(StateClosed))
	return m
}

// CallOption adjusts a single Execute invocation.
type CallOption func(*callSettings)

type callSettings struct {
	noRetry bool
	fields  map[string]any
}

// NoRetry limits the operation to one attempt. The circuit breaker still
// applies. Use it for worker methods that are not idempotent.
func NoRetry() CallOption {
	return func(s *callSettings) { s.noRetry = true }
}

// WithFields attaches context values to any error the operation produces.
func WithFields(fields map[string]any) CallOption {
	return func(s *callSettings) { s.fields = fields }
}

// Execute runs fn under the circuit breaker and retry policy. The returned
// error, when non-nil, is always a *Error.
func (m *Manager) Execute(ctx context.Context, operation string, fn func(context.Context) error, opts ...CallOption) error {
	var settings callSettings
	for _, opt := range opts {
		opt(&settings)
	}

	if err := m.breaker.Allow(); err != nil {
		m.logger.Warn("circuit open, rejecting operation", slog.String("operation", operation))
		m.metrics.ObserveResilienceAttempt(operation, "rejected")
		var classified *Error
		errors.As(err, &classified)
		return classified
	}

	attempts := m.policy.MaxAttempts
	if settings.noRetry {
		attempts = 1
	}

	schedule := m.policy.backOff()
	var last *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			m.breaker.RecordSuccess()
			m.metrics.ObserveResilienceAttempt(operation, "success")
			if attempt > 1 {
				m.logger.Info("operation recovered", slog.String("operation", operation), slog.Int("attempt", attempt))
			}
			return nil
		}
		last = annotate(err, settings.fields)
		m.metrics.ObserveResilienceAttempt(operation, "failure")

		if ctx.Err() != nil {
			// The caller gave up; the worker did not necessarily fail.
			return last
		}
		if attempt == attempts || !m.policy.retryable(last.Kind) {
			break
		}

		delay := schedule.NextBackOff()
		m.metrics.ObserveRetry(operation, string(last.Kind))
		m.logger.Warn("operation failed, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("kind", string(last.Kind)),
			slog.String("detail", last.TechnicalDetail),
		)
		if err := m.sleep(ctx, delay); err != nil {
			return last
		}
	}

	m.breaker.RecordFailure()
	m.logger.Error("operation failed",
		slog.String("operation", operation),
		slog.String("kind", string(last.Kind)),
		slog.String("severity", string(last.Severity)),
		slog.String("detail", last.TechnicalDetail),
	)
	return last
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, m *Manager, operation string, fn func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := m.Execute(ctx, operation, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		out = value
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// BreakerStatus reports the breaker counters.
func (m *Manager) BreakerStatus() BreakerStatus { return m.breaker.Status() }

// ResetBreaker forces the breaker closed.
func (m *Manager) ResetBreaker() {
	m.breaker.Reset()
	m.logger.Info("circuit breaker reset manually")
}

// Policy returns the effective retry policy.
func (m *Manager) Policy() RetryPolicy { return m.policy }

func (m *Manager) onBreakerChange(from, to State) {
	m.metrics.SetCircuitState(string(to))
	m.metrics.ObserveCircuitTransition(string(from), string(to))
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func annotate(err error, fields map[string]any) *Error {
	var pre *Error
	if errors.As(err, &pre) {
		return pre
	}
	classified := Classify(err)
	for key, value := range fields {
		classified = classified.WithContext(key, value)
	}
	return classified
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
