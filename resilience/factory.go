package resilience

import (
	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/telemetry"
)

// Dependencies holds the optional logger/telemetry a Worker passes down to
// its two breaker instances.
type Dependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

func globalTelemetryAvailable() bool {
	return telemetry.GetRegistry() != nil
}

func withDefaults(deps Dependencies, name string) core.CircuitBreakerParams {
	params := core.CircuitBreakerParams{Name: name}

	if deps.Logger != nil {
		params.Logger = deps.Logger
	} else {
		params.Logger = core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"circuit-breaker",
		)
	}
	params.Telemetry = deps.Telemetry

	return params
}

// NewTaskHandlerBreaker builds the breaker wrapping the user handler, using
// cfg (see core.DefaultCircuitBreakerConfig for the required defaults).
func NewTaskHandlerBreaker(cfg core.CircuitBreakerConfig, deps Dependencies) (*CircuitBreaker, error) {
	params := withDefaults(deps, "taskHandler")
	params.Config = cfg

	var opts []Option
	if deps.Telemetry != nil || globalTelemetryAvailable() {
		opts = append(opts, WithMetricsCollector(NewTelemetryMetrics()))
	}
	return NewCircuitBreaker(params, opts...)
}

// NewDequeueBreaker builds the breaker wrapping the dequeue call.
func NewDequeueBreaker(cfg core.CircuitBreakerConfig, deps Dependencies) (*CircuitBreaker, error) {
	params := withDefaults(deps, "dequeueTask")
	params.Config = cfg

	var opts []Option
	if deps.Telemetry != nil || globalTelemetryAvailable() {
		opts = append(opts, WithMetricsCollector(NewTelemetryMetrics()))
	}
	return NewCircuitBreaker(params, opts...)
}

// WithLogger sets the logger dependency.
func WithLogger(logger core.Logger) func(*Dependencies) {
	return func(d *Dependencies) { d.Logger = logger }
}

// WithTelemetryDependency sets the telemetry dependency.
func WithTelemetryDependency(t core.Telemetry) func(*Dependencies) {
	return func(d *Dependencies) { d.Telemetry = t }
}
