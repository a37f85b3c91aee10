// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the orchestrator. Implementations typically delegate to
// goa.design/clue and OpenTelemetry, but the interfaces are intentionally
// small so tests and embedders can supply lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the orchestrator.
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

// Tracer abstracts span creation so orchestrator code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "routing.route_step")
//	defer span.End()
//	span.SetStatus(codes.Ok, "routed")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric and span names emitted by the step loop's own instrumentation
// points (orchestrator, routing, parallel). Kept here, next to the
// interfaces that carry them, rather than scattered across call sites.
const (
	// RoutingStrategyCounter counts once per step routed, tagged by which of
	// the five strategies resolved it and what decision it produced.
	RoutingStrategyCounter = "flowstep.routing.strategy_selected"
	// MicroloopIterationCounter counts one increment per microloop pass a
	// looping step takes.
	MicroloopIterationCounter = "flowstep.routing.microloop_iteration"
	// DetourDepthGauge records the interruption-stack depth every time a
	// DETOUR or EXTEND_GRAPH request is applied.
	DetourDepthGauge = "flowstep.navigator.detour_depth"
	// StepSpanName is the span wrapping one step's full invocation
	// (context-pack build through routing).
	StepSpanName = "flowstep.step"
	// ForkSpanName is the span wrapping one ParallelExecutor fork.
	ForkSpanName = "flowstep.fork"
)

// RecordRoutingStrategy tags the strategy that resolved a step's routing
// decision and the decision it produced.
func RecordRoutingStrategy(m Metrics, strategy, decision string) {
	m.IncCounter(RoutingStrategyCounter, 1, "strategy", strategy, "decision", decision)
}

// RecordMicroloopIteration counts one loop pass of step stepID.
func RecordMicroloopIteration(m Metrics, stepID string) {
	m.IncCounter(MicroloopIterationCounter, 1, "step_id", stepID)
}

// RecordDetourDepth records the current interruption-stack depth.
func RecordDetourDepth(m Metrics, depth int) {
	m.RecordGauge(DetourDepthGauge, float64(depth))
}

// StartStepSpan opens a span around one step invocation.
func StartStepSpan(ctx context.Context, t Tracer, flowKey, stepID string) (context.Context, Span) {
	ctx, span := t.Start(ctx, StepSpanName)
	span.AddEvent("step_started", "flow_key", flowKey, "step_id", stepID)
	return ctx, span
}

// StartForkSpan opens a span around one ParallelExecutor fork.
func StartForkSpan(ctx context.Context, t Tracer, targetCount int) (context.Context, Span) {
	ctx, span := t.Start(ctx, ForkSpanName)
	span.AddEvent("fork_started", "target_count", targetCount)
	return ctx, span
}
