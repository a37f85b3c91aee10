package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoOp satisfies Logger, Metrics, Tracer, and Span all at once: every call
// is discarded. Collapsing the three no-op roles into one zero-size type
// (rather than one per interface) means a caller that only wants "don't
// record anything" wires a single value instead of three.
type NoOp struct{}

// NoopLogger, NoopMetrics, and NoopTracer are aliases of NoOp kept so every
// call site can name the role it's filling (telemetry.NoopLogger{}, etc.)
// without constructing a distinct type per role.
type (
	NoopLogger  = NoOp
	NoopMetrics = NoOp
	NoopTracer  = NoOp
)

// NewNoop constructs the shared no-op Logger/Metrics/Tracer.
func NewNoop() NoOp { return NoOp{} }

func (NoOp) Debug(context.Context, string, ...any) {}
func (NoOp) Info(context.Context, string, ...any)  {}
func (NoOp) Warn(context.Context, string, ...any)  {}
func (NoOp) Error(context.Context, string, ...any) {}

func (NoOp) IncCounter(string, float64, ...string)        {}
func (NoOp) RecordTimer(string, time.Duration, ...string) {}
func (NoOp) RecordGauge(string, float64, ...string)       {}

// Start returns ctx unmodified and NoOp itself as the span.
func (NoOp) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, NoOp{}
}

// Span returns the shared no-op span.
func (NoOp) Span(context.Context) Span { return NoOp{} }

func (NoOp) End(...trace.SpanEndOption)              {}
func (NoOp) AddEvent(string, ...any)                 {}
func (NoOp) SetStatus(codes.Code, string)            {}
func (NoOp) RecordError(error, ...trace.EventOption) {}
