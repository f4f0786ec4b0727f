package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control plane spans and metrics.
var (
	AttrChannel         = attribute.Key("mu.channel")
	AttrRequestID       = attribute.Key("mu.request.id")
	AttrCommandID       = attribute.Key("mu.command.id")
	AttrIssueID         = attribute.Key("mu.issue.id")
	AttrQueueID         = attribute.Key("mu.run.queue_id")
	AttrRunStatus       = attribute.Key("mu.run.status")
	AttrOutboxID        = attribute.Key("mu.outbox.id")
	AttrOutboxKind      = attribute.Key("mu.outbox.kind")
	AttrOutcome         = attribute.Key("mu.outcome")
	AttrReason          = attribute.Key("mu.reason")
	AttrGenerationPhase = attribute.Key("mu.generation.phase")
	AttrSessionID       = attribute.Key("mu.operator.session")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (webhook or feed).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (channel API, advisor backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
