// Package core provides the shared abstractions (logging, config, errors,
// telemetry hooks) consumed by the jobmanager and worker packages.
//
// This file defines the CircuitBreaker interface and related types for
// implementing fault tolerance patterns in the worker runtime. States:
// 1. Closed: normal operation, requests pass through
// 2. Open: error threshold exceeded, requests fail fast
// 3. Half-Open: a bounded number of probes are admitted to test recovery
package core

import (
	"context"
	"time"
)

// CircuitState names the three states a breaker can occupy.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// StateChangeListener is notified on breaker transition entry. Panics raised
// by a listener must be caught by the implementation and never propagate
// into the caller of Execute.
type StateChangeListener func(name string, from, to CircuitState)

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
// Implementations protect against cascading failures by temporarily
// blocking requests when a threshold of failures is reached within a
// rolling window.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open, it returns a *BreakerOpenError immediately without invoking fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs fn with both circuit breaker protection and a
	// per-call deadline; exceeding the deadline counts as a failure.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns the current circuit breaker state.
	GetState() CircuitState

	// GetMetrics returns current metrics about the circuit breaker (success
	// count, failure count, error rate, state, etc).
	GetMetrics() map[string]interface{}

	// Reset manually resets the circuit breaker to CLOSED, clearing the
	// outcome window.
	Reset()

	// CanExecute reports whether the breaker would currently allow
	// execution without actually invoking anything.
	CanExecute() bool

	// OnStateChange registers a listener invoked on every transition.
	OnStateChange(listener StateChangeListener)
}

// CircuitBreakerParams bundles a breaker's configuration with its optional
// logging/telemetry dependencies.
type CircuitBreakerParams struct {
	Name      string
	Config    CircuitBreakerConfig
	Logger    Logger
	Telemetry Telemetry
}

// DefaultCircuitBreakerParams returns the defaults required by both of the
// Worker's breaker instances: enabled, 50% error threshold, 30s reset.
func DefaultCircuitBreakerParams(name string) CircuitBreakerParams {
	return CircuitBreakerParams{
		Name:   name,
		Config: DefaultCircuitBreakerConfig(name),
	}
}
