package telemetry

// This file declares the worker SDK's own metrics up front, the same way
// resilience/instrumentation.go declares the circuit breaker's. It's in the
// telemetry package to avoid an import cycle with worker.
//
// The names and labels here must track what worker/telemetry.go actually
// emits.

func init() {
	DeclareMetrics("worker", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricTaskStarted,
				Type:   "counter",
				Help:   "Tasks that entered handler execution",
				Labels: []string{"stage_type"},
			},
			{
				Name:   MetricTaskSettled,
				Type:   "counter",
				Help:   "Tasks settled as completed or failed",
				Labels: []string{"stage_type", "status"},
			},
			{
				Name:    MetricTaskDuration,
				Type:    "histogram",
				Help:    "Task handler duration in milliseconds",
				Labels:  []string{"stage_type", "status"},
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
			},
			{
				Name:   MetricQueueEmptyPolls,
				Type:   "gauge",
				Help:   "Consecutive empty dequeue polls for a stage type",
				Labels: []string{"stage_type"},
			},
			{
				Name:   MetricWorkerLifecycleStart,
				Type:   "counter",
				Help:   "Worker Start() calls",
				Labels: []string{"stage_type"},
			},
			{
				Name:   MetricWorkerLifecycleStop,
				Type:   "counter",
				Help:   "Worker Stop() calls",
				Labels: []string{"stage_type"},
			},
			{
				Name:   MetricWorkerConcurrency,
				Type:   "gauge",
				Help:   "Configured concurrency limit at worker startup",
				Labels: []string{"stage_type"},
			},
		},
	})
}
