// Package tracing wires optional OpenTelemetry export into the server.
// Everything here degrades to a pass-through when tracing is disabled, so
// callers can wrap handlers and transports unconditionally.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the OTLP HTTP collector and the service name spans are
// attributed to. Endpoint is host:port, e.g. "localhost:4318".
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

func noopShutdown(context.Context) error { return nil }

// Setup installs a global TracerProvider backed by a batching OTLP HTTP
// exporter and registers W3C TraceContext plus Baggage propagation. The
// returned function flushes buffered spans and must run during server close.
// With cfg.Enabled false nothing is installed and the returned function is a
// no-op.
func Setup(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	ctx := context.Background()

	// Local collectors speak plain HTTP; TLS termination belongs to the
	// collector deployment, not this process.
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

// Middleware instruments inbound requests. Without a global TracerProvider
// installed the otelhttp handler records nothing.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "arbiter.request")
	}
}

// HTTPTransport wraps base so outbound calls carry traceparent/tracestate
// headers. A nil base falls back to http.DefaultTransport.
func HTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}
