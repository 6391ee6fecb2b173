// Package telemetry provides the logging, metrics, and tracing interfaces used
// throughout the gateway runtime. Components depend on these interfaces, never
// on a concrete backend, so tests can substitute the noop implementation.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used across the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Bundle groups the three telemetry facets so constructors can take one
// argument instead of three.
type Bundle struct {
	Logger Logger
	Metric Metrics
	Tracer Tracer
}

// NoopBundle returns a Bundle wired to the noop implementations, suitable for
// tests and for components that have not been given explicit telemetry.
func NoopBundle() Bundle {
	return Bundle{Logger: NewNoopLogger(), Metric: NewNoopMetrics(), Tracer: NewNoopTracer()}
}
