package telemetry

import (
	"context"

	"github.com/jobnik/worker-sdk/core"
)

// loggerMetricsRegistry implements core.MetricsRegistry so that
// core.ProductionLogger can turn its log events into telemetry metrics
// (jobnik.worker.operations) without core importing this package.
type loggerMetricsRegistry struct {
	logger *TelemetryLogger
}

// newLoggerMetricsRegistry creates a registry that forwards to this
// package's global Emit/EmitWithContext.
func newLoggerMetricsRegistry(logger *TelemetryLogger) *loggerMetricsRegistry {
	return &loggerMetricsRegistry{
		logger: logger,
	}
}

// Counter implements core.MetricsRegistry.
func (l *loggerMetricsRegistry) Counter(name string, labels ...string) {
	if l.logger != nil && l.logger.debug {
		l.logger.Debug("logger metric emission", map[string]interface{}{
			"metric_name": name,
			"type":        "counter",
			"label_count": len(labels) / 2,
		})
	}

	Emit(name, 1.0, labels...)
}

// EmitWithContext implements core.MetricsRegistry.
func (l *loggerMetricsRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if l.logger != nil && l.logger.debug {
		baggage := GetBaggage(ctx)
		requestID := ""
		if baggage != nil {
			requestID = baggage["request_id"]
		}
		l.logger.Debug("logger context-aware emission", map[string]interface{}{
			"metric_name": name,
			"value":       value,
			"has_baggage": len(baggage) > 0,
			"request_id":  requestID,
			"label_count": len(labels) / 2,
		})
	}

	EmitWithContext(ctx, name, value, labels...)
}

// GetBaggage implements core.MetricsRegistry. It returns the W3C baggage of
// ctx plus trace_id and span_id when ctx carries a valid span context; the
// map is empty, never nil, when there is neither.
func (l *loggerMetricsRegistry) GetBaggage(ctx context.Context) map[string]string {
	result := make(map[string]string)
	for k, v := range GetBaggage(ctx) {
		result[k] = v
	}
	if tc := GetTraceContext(ctx); tc.TraceID != "" {
		result["trace_id"] = tc.TraceID
		result["span_id"] = tc.SpanID
	}
	return result
}

// Gauge implements core.MetricsRegistry.
func (l *loggerMetricsRegistry) Gauge(name string, value float64, labels ...string) {
	Gauge(name, value, labels...)
}

// Histogram implements core.MetricsRegistry.
func (l *loggerMetricsRegistry) Histogram(name string, value float64, labels ...string) {
	Histogram(name, value, labels...)
}

// enableLoggerMetrics registers this package with core.SetMetricsRegistry so
// every core.ProductionLogger created before or after this call starts
// emitting jobnik.worker.operations through telemetry.
func enableLoggerMetrics(logger *TelemetryLogger) {
	core.SetMetricsRegistry(newLoggerMetricsRegistry(logger))
}
