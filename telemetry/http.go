// Package telemetry provides distributed tracing HTTP instrumentation.
//
// This file provides HTTP client instrumentation for distributed tracing
// using OpenTelemetry, so that outbound requests to the Job Manager
// propagate the W3C TraceContext headers of the span they were issued
// under.
//
// # Client Side (HTTP Client)
//
// Use NewTracedHTTPClient to automatically propagate trace context
// to downstream services:
//
//	// Create a traced HTTP client
//	client := telemetry.NewTracedHTTPClient(nil)
//
//	// All requests automatically propagate trace context
//	req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
//	resp, err := client.Do(req)
//
// # Initialization Requirement
//
// IMPORTANT: Call telemetry.Initialize() before using these functions.
// If telemetry is not initialized, the client will use a no-op tracer
// (safe but no traces will be generated).
package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewTracedHTTPClient creates an HTTP client that automatically propagates
// trace context to downstream services via W3C TraceContext headers.
//
// When making HTTP requests with this client, the traceparent and tracestate
// headers are automatically injected, allowing downstream services to
// continue the distributed trace.
//
// Parameters:
//   - baseTransport: The underlying transport to use. If nil, uses http.DefaultTransport.
//
// The returned client is safe to use concurrently and should be reused
// across requests for connection pooling benefits.
//
// Example:
//
//	// Create client once, reuse for all requests
//	client := telemetry.NewTracedHTTPClient(nil)
//
//	// Context carries trace information
//	ctx := r.Context()  // From incoming request handler
//
//	// Make request - trace context is automatically propagated
//	req, _ := http.NewRequestWithContext(ctx, "POST", toolURL, body)
//	resp, err := client.Do(req)
func NewTracedHTTPClient(baseTransport http.RoundTripper) *http.Client {
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(baseTransport),
	}
}

// NewTracedHTTPClientWithTransport creates a traced HTTP client with a custom transport.
//
// This is a convenience function that creates a traced client with connection
// pooling configured for service-to-service communication.
//
// Parameters:
//   - transport: Custom transport configuration. If nil, creates a default pooled transport.
//
// Example:
//
//	// Create with custom transport settings
//	transport := &http.Transport{
//	    MaxIdleConns:        100,
//	    MaxIdleConnsPerHost: 10,
//	    IdleConnTimeout:     90 * time.Second,
//	}
//	client := telemetry.NewTracedHTTPClientWithTransport(transport)
func NewTracedHTTPClientWithTransport(transport *http.Transport) *http.Client {
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
			ForceAttemptHTTP2:   true,
		}
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}
