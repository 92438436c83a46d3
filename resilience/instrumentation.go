package resilience

import "github.com/jobnik/worker-sdk/telemetry"

func init() {
	// Declare only; telemetry.Initialize turns these into real instruments.
	// The worker package does not call Initialize itself.
	telemetry.DeclareMetrics("circuit_breaker", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   "circuit_breaker.calls",
				Type:   "counter",
				Help:   "Total circuit breaker calls",
				Labels: []string{"name", "outcome"},
			},
			{
				Name:    "circuit_breaker.duration_ms",
				Type:    "histogram",
				Help:    "Circuit breaker call duration in milliseconds",
				Labels:  []string{"name", "status"},
				Unit:    "ms",
				Buckets: []float64{0.1, 1, 10, 100, 1000},
			},
			{
				Name:   "circuit_breaker.failures",
				Type:   "counter",
				Help:   "Circuit breaker failures",
				Labels: []string{"name", "error_type"},
			},
			{
				Name:   "circuit_breaker.state_changes",
				Type:   "counter",
				Help:   "Circuit breaker state transitions",
				Labels: []string{"name", "from_state", "to_state"},
			},
			{
				Name:   "circuit_breaker.current_state",
				Type:   "gauge",
				Help:   "Current circuit breaker state (0=closed, 0.5=half-open, 1=open)",
				Labels: []string{"name"},
			},
			{
				Name:   "circuit_breaker.rejected",
				Type:   "counter",
				Help:   "Requests rejected by open circuit",
				Labels: []string{"name"},
			},
		},
	})
}