package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on bus spans.
const (
	AttrSink      = attribute.Key("metricbus.sink")
	AttrEventType = attribute.Key("metricbus.event_type")
	AttrFields    = attribute.Key("metricbus.fields")
)

// StartDeliverySpan starts the span around one sink delivery.
func StartDeliverySpan(ctx context.Context, tracer trace.Tracer, sink, eventType string, fields int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "deliver "+sink,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "metricbus"),
			AttrSink.String(sink),
			AttrEventType.String(eventType),
			AttrFields.Int(fields),
		),
	)
}

// StartServerSpan starts a server span for an HTTP request. With propagate
// set, a traceparent header on the request becomes the parent.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, req *http.Request, route string, propagate bool) (context.Context, trace.Span) {
	if propagate {
		ctx = ExtractHTTPHeaders(ctx, req.Header)
	}
	return tracer.Start(ctx, req.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("http.route", route),
			attribute.String("url.path", req.URL.Path),
		),
	)
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ExtractHTTPHeaders returns ctx carrying the remote span context found in
// headers, if any.
func ExtractHTTPHeaders(ctx context.Context, headers http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}
