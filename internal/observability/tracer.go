package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for an outgoing call to the store or to a
// remote daemon.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys for kvcache spans. Values are never attached.
var (
	AttrOp        = attribute.Key("kvcache.op")
	AttrKey       = attribute.Key("kvcache.key")
	AttrDriver    = attribute.Key("kvcache.driver")
	AttrStrategy  = attribute.Key("kvcache.strategy")
	AttrResult    = attribute.Key("kvcache.result")
	AttrValueSize = attribute.Key("kvcache.value_size")
	AttrRequestID = attribute.Key("kvcache.request_id")
)
