// Package telemetry provides W3C trace-context propagation helpers for
// entities that carry their trace context as data (traceparent/tracestate
// string fields) rather than as HTTP headers.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// mapCarrier adapts a plain map to propagation.TextMapCarrier.
type mapCarrier map[string]string

func (c mapCarrier) Get(key string) string        { return c[key] }
func (c mapCarrier) Set(key, value string)         { c[key] = value }
func (c mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext extracts the W3C traceparent/tracestate pair for ctx's
// current span, for storage on an outgoing entity (job/stage/task) at
// creation time. Returns empty strings if ctx carries no valid span context.
func InjectTraceContext(ctx context.Context) (traceparent, tracestate string) {
	carrier := mapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier["traceparent"], carrier["tracestate"]
}

// ExtractTraceContext rebuilds a context carrying the remote span described
// by a stored traceparent/tracestate pair, for use as the parent of a link
// (§4.6) rather than as ctx's own active span.
func ExtractTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := mapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier["tracestate"] = tracestate
	}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

// TraceLink names one entity whose stored trace context should be linked to
// a newly started span.
type TraceLink struct {
	Relation    string // "task", "stage", or "job"
	Traceparent string
	Tracestate  string
}

// StartMultiLinkedSpan starts a span of the given kind with one link per
// valid entry in links, in addition to any span already active in ctx. Used
// when a dequeued task's own trace, plus its stage's and job's, must all be
// attached to the per-task processing span (§4.6).
func StartMultiLinkedSpan(
	ctx context.Context,
	tracerName, spanName string,
	kind trace.SpanKind,
	links []TraceLink,
	attrs []attribute.KeyValue,
) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}

	for _, link := range links {
		if link.Traceparent == "" {
			continue
		}
		linkCtx := ExtractTraceContext(context.Background(), link.Traceparent, link.Tracestate)
		sc := trace.SpanContextFromContext(linkCtx)
		if !sc.IsValid() {
			continue
		}
		opts = append(opts, trace.WithLinks(trace.Link{
			SpanContext: sc,
			Attributes: []attribute.KeyValue{
				attribute.String("link.relation", link.Relation),
			},
		}))
	}

	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, opts...)
}
