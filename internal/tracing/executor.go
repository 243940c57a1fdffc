package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executorTracerName = "hiveloop-executor"

func executorTracer() trace.Tracer {
	return Tracer(executorTracerName)
}

// TraceExecution creates a span covering one execution of a graph entry point.
func TraceExecution(ctx context.Context, executionID, graphID, sessionID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("graph_id", graphID),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TraceNodeVisit creates a child span for a single node visit.
func TraceNodeVisit(ctx context.Context, nodeID string, visit int) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.node_visit",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("node_id", nodeID),
		attribute.Int("visit", visit),
	)
	return ctx, span
}

// TraceToolCall creates a child span for a single tool dispatch.
func TraceToolCall(ctx context.Context, callID, name string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.tool_call",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("call_id", callID),
		attribute.String("tool_name", name),
	)
	return ctx, span
}

// RecordResult records a verdict or error outcome on a span.
func RecordResult(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
