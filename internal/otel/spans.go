package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for sessiond spans.
var (
	AttrSessionID = attribute.Key("sessiond.session.id")
	AttrProject   = attribute.Key("sessiond.project")
	AttrMode      = attribute.Key("sessiond.session.mode")
	AttrToolName  = attribute.Key("sessiond.tool.name")
	AttrRequestID = attribute.Key("sessiond.permission.request_id")
	AttrEventType = attribute.Key("sessiond.event.type")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
