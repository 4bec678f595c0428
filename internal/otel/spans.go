package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for grail spans and metrics.
var (
	AttrTaskID         = attribute.Key("grail.task.id")
	AttrApprovalID     = attribute.Key("grail.approval.id")
	AttrApprovalKind   = attribute.Key("grail.approval.kind")
	AttrApprovalStatus = attribute.Key("grail.approval.status")
	AttrDecision       = attribute.Key("grail.decision")
	AttrGateStage      = attribute.Key("grail.gate.stage")
	AttrRuleID         = attribute.Key("grail.guardrail.rule_id")
	AttrProvider       = attribute.Key("grail.provider")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway, chat update).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (chat API, docker).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
