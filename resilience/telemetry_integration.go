package resilience

import (
	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/telemetry"
)

// TelemetryMetrics implements MetricsCollector on top of the package-level
// telemetry API, so breaker metrics flow through the same OTel pipeline as
// everything else in the worker.
type TelemetryMetrics struct{}

// NewTelemetryMetrics creates a metrics collector backed by telemetry.Counter/Gauge.
func NewTelemetryMetrics() *TelemetryMetrics {
	return &TelemetryMetrics{}
}

func (t *TelemetryMetrics) RecordSuccess(name string) {
	telemetry.Counter("circuit_breaker.calls", "name", name, "outcome", "success")
}

func (t *TelemetryMetrics) RecordFailure(name string, errorType string) {
	telemetry.Counter("circuit_breaker.calls", "name", name, "outcome", "failure")
	telemetry.Counter("circuit_breaker.failures", "name", name, "error_type", errorType)
}

func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	telemetry.Counter("circuit_breaker.state_changes",
		"name", name,
		"from_state", from,
		"to_state", to)

	var stateValue float64
	switch core.CircuitState(to) {
	case core.CircuitHalfOpen:
		stateValue = 0.5
	case core.CircuitOpen:
		stateValue = 1.0
	case core.CircuitClosed:
		stateValue = 0.0
	}
	telemetry.Gauge("circuit_breaker.current_state", stateValue, "name", name)
}

func (t *TelemetryMetrics) RecordRejection(name string) {
	telemetry.Counter("circuit_breaker.rejected", "name", name)
}
