package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobnik/worker-sdk/core"
)

// MetricsCollector receives circuit breaker outcome/transition events.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier decides whether err should count toward the breaker's
// failure ratio. Errors that represent client/programming mistakes rather
// than infrastructure trouble should return false.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier excludes configuration errors, not-found responses
// and local precondition failures — these indicate a caller bug, not an
// unhealthy dependency, and must not trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if core.IsIllegalLocalTransition(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Option customizes a CircuitBreaker beyond what core.CircuitBreakerConfig
// expresses (error classification, bucket granularity, metrics sink).
type Option func(*CircuitBreaker)

// WithErrorClassifier overrides which errors count as failures.
func WithErrorClassifier(classifier ErrorClassifier) Option {
	return func(cb *CircuitBreaker) { cb.errorClassifier = classifier }
}

// WithMetricsCollector wires an outcome/transition sink, e.g. TelemetryMetrics.
func WithMetricsCollector(metrics MetricsCollector) Option {
	return func(cb *CircuitBreaker) { cb.metrics = metrics }
}

// WithBucketCount sets the sliding window's bucket granularity (default 10).
func WithBucketCount(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.bucketCount = n
		}
	}
}

// CircuitBreaker implements core.CircuitBreaker: a rolling error-rate gate
// with CLOSED/OPEN/HALF_OPEN states. In HALF_OPEN exactly one probe is
// admitted at a time; its outcome alone decides the next transition.
type CircuitBreaker struct {
	name   string
	config core.CircuitBreakerConfig

	logger          core.Logger
	telemetry       core.Telemetry
	errorClassifier ErrorClassifier
	metrics         MetricsCollector
	bucketCount     int

	state          atomic.Value // core.CircuitState
	stateChangedAt atomic.Value // time.Time

	window           *SlidingWindow
	halfOpenInFlight atomic.Bool

	mu        sync.Mutex
	listeners []core.StateChangeListener

	executionsInFlight atomic.Int32
	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker builds a breaker from core.CircuitBreakerParams. It
// returns a *core.ConfigurationError if the config is internally inconsistent.
func NewCircuitBreaker(params core.CircuitBreakerParams, opts ...Option) (*CircuitBreaker, error) {
	cfg := params.Config
	if cfg.Enabled && cfg.ErrorThresholdPercentage < 0 || cfg.ErrorThresholdPercentage > 100 {
		return nil, core.NewConfigurationError(core.ConfigInvalidRetryPolicy, "errorThresholdPercentage must be within [0,100]")
	}
	if cfg.Enabled && cfg.VolumeThreshold < 1 {
		return nil, core.NewConfigurationError(core.ConfigInvalidRetryPolicy, "volumeThreshold must be >= 1")
	}
	if cfg.Enabled && cfg.ResetTimeout <= 0 {
		return nil, core.NewConfigurationError(core.ConfigInvalidRetryPolicy, "resetTimeout must be positive")
	}

	logger := params.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	windowSize := cfg.RollingCountTimeout
	if windowSize <= 0 {
		windowSize = 10 * time.Second
	}

	cb := &CircuitBreaker{
		name:            params.Name,
		config:          cfg,
		logger:          logger,
		telemetry:       params.Telemetry,
		errorClassifier: DefaultErrorClassifier,
		metrics:         &noopMetrics{},
		bucketCount:     10,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.window = NewSlidingWindowWithLogger(windowSize, cb.bucketCount, true, logger, params.Name)
	cb.state.Store(core.CircuitClosed)
	cb.stateChangedAt.Store(time.Now())

	logger.Info("circuit breaker created", map[string]interface{}{
		"name":                       params.Name,
		"enabled":                    cfg.Enabled,
		"error_threshold_percentage": cfg.ErrorThresholdPercentage,
		"volume_threshold":           cfg.VolumeThreshold,
		"reset_timeout_ms":           cfg.ResetTimeout.Milliseconds(),
	})

	return cb, nil
}

// SetLogger rebinds the breaker's logger, tagging it with a component name
// if it supports ComponentAwareLogger.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.logger = cal.WithComponent("resilience")
		return
	}
	cb.logger = logger
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() core.CircuitState {
	return cb.state.Load().(core.CircuitState)
}

// CanExecute reports whether a call would currently be admitted.
func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.config.Enabled {
		return true
	}
	switch cb.GetState() {
	case core.CircuitClosed:
		return true
	case core.CircuitHalfOpen:
		return !cb.halfOpenInFlight.Load()
	default: // CircuitOpen
		changedAt := cb.stateChangedAt.Load().(time.Time)
		return time.Since(changedAt) >= cb.config.ResetTimeout
	}
}

// Execute runs fn with circuit breaker protection, honoring the breaker's
// configured TimeoutMs if set.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.run(ctx, cb.config.TimeoutMs, fn)
}

// ExecuteWithTimeout runs fn with circuit breaker protection and an
// explicit per-call deadline, overriding any configured TimeoutMs.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	return cb.run(ctx, timeout, fn)
}

func (cb *CircuitBreaker) run(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !cb.config.Enabled {
		return fn()
	}

	admitted, isProbe := cb.startExecution()
	if !admitted {
		cb.rejectedExecutions.Add(1)
		cb.metrics.RecordRejection(cb.name)
		return core.NewBreakerOpenError(cb.name)
	}

	cb.executionsInFlight.Add(1)
	cb.totalExecutions.Add(1)
	defer cb.executionsInFlight.Add(-1)

	var err error
	if timeout > 0 {
		err = runWithTimeout(ctx, timeout, fn)
	} else {
		err = runWithPanicRecovery(fn)
		if err == nil {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			default:
			}
		}
	}

	cb.completeExecution(isProbe, err)
	return err
}

func runWithPanicRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

func runWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runWithPanicRecovery(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return core.NewNetworkError(core.NetworkTimeout, ctx.Err())
	}
}

// startExecution decides whether a call is admitted and, if so, whether it
// is the single probe representing a HALF_OPEN trial.
func (cb *CircuitBreaker) startExecution() (admitted bool, isProbe bool) {
	switch cb.GetState() {
	case core.CircuitClosed:
		return true, false
	case core.CircuitHalfOpen:
		return cb.halfOpenInFlight.CompareAndSwap(false, true), true
	default: // CircuitOpen
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) < cb.config.ResetTimeout {
			return false, false
		}
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if cb.GetState() != core.CircuitOpen {
			// another goroutine already transitioned us; recurse once.
			return cb.startExecution()
		}
		cb.transitionLocked(core.CircuitHalfOpen)
		return cb.halfOpenInFlight.CompareAndSwap(false, true), true
	}
}

func (cb *CircuitBreaker) completeExecution(isProbe bool, err error) {
	counts := cb.errorClassifier(err)

	if isProbe {
		cb.halfOpenInFlight.Store(false)
		cb.mu.Lock()
		if counts {
			cb.metrics.RecordFailure(cb.name, errorType(err))
			cb.transitionLocked(core.CircuitOpen)
		} else {
			cb.metrics.RecordSuccess(cb.name)
			cb.transitionLocked(core.CircuitClosed)
		}
		cb.mu.Unlock()
		return
	}

	if counts {
		cb.window.RecordFailure()
		cb.metrics.RecordFailure(cb.name, errorType(err))
	} else {
		cb.window.RecordSuccess()
		cb.metrics.RecordSuccess(cb.name)
	}
	cb.evaluate()
}

// evaluate may only trip CLOSED -> OPEN; it is called after every outcome
// recorded while closed.
func (cb *CircuitBreaker) evaluate() {
	if cb.GetState() != core.CircuitClosed {
		return
	}
	total := cb.window.GetTotal()
	if total < uint64(cb.config.VolumeThreshold) {
		return
	}
	if cb.window.GetErrorRate()*100 >= cb.config.ErrorThresholdPercentage {
		cb.mu.Lock()
		if cb.GetState() == core.CircuitClosed {
			cb.transitionLocked(core.CircuitOpen)
		}
		cb.mu.Unlock()
	}
}

// transitionLocked performs a state change. Callers must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to core.CircuitState) {
	from := cb.GetState()
	if from == to {
		return
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(time.Now())

	if to == core.CircuitClosed {
		cb.window.Reset()
	}
	if to == core.CircuitHalfOpen {
		cb.halfOpenInFlight.Store(false)
	}

	cb.logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.name,
		"from": string(from),
		"to":   string(to),
	})
	cb.metrics.RecordStateChange(cb.name, string(from), string(to))

	if cb.telemetry != nil {
		_, span := cb.telemetry.StartSpan(context.Background(), "circuit_breaker.transition")
		span.SetAttribute("circuit_breaker.name", cb.name)
		span.SetAttribute("circuit_breaker.from", string(from))
		span.SetAttribute("circuit_breaker.to", string(to))
		span.End()
	}

	for _, listener := range cb.listeners {
		func(l core.StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					cb.logger.Error("circuit breaker listener panicked", map[string]interface{}{
						"name":  cb.name,
						"panic": fmt.Sprintf("%v", r),
					})
				}
			}()
			l(cb.name, from, to)
		}(listener)
	}
}

// OnStateChange registers a listener invoked synchronously on every
// transition. Panics inside the listener are caught and logged.
func (cb *CircuitBreaker) OnStateChange(listener core.StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// Reset forces the breaker back to CLOSED with an empty outcome window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInFlight.Store(false)
	cb.transitionLocked(core.CircuitClosed)
	cb.window.Reset()
}

// GetMetrics returns a snapshot suitable for logging or a status endpoint.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.GetCounts()
	return map[string]interface{}{
		"name":                 cb.name,
		"state":                string(cb.GetState()),
		"success":              success,
		"failure":              failure,
		"error_rate":           cb.window.GetErrorRate(),
		"executions_in_flight": cb.executionsInFlight.Load(),
		"total_executions":     cb.totalExecutions.Load(),
		"rejected_executions":  cb.rejectedExecutions.Load(),
	}
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
