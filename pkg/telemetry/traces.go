// SpanObserver turns handled requests into server spans stamped with the active clock
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "bankdst"

// SpanObserver emits one server span per request.
type SpanObserver struct {
	tracer trace.Tracer
}

// NewSpanObserver creates a SpanObserver using the given TracerProvider.
func NewSpanObserver(tp trace.TracerProvider) *SpanObserver {
	return &SpanObserver{tracer: tp.Tracer(instrumentationName)}
}

// Observe records a span covering the request.
func (s *SpanObserver) Observe(info RequestInfo) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", info.Service),
		attribute.String("bank.operation", info.Operation),
	}, info.Attrs...)
	if info.Remote != "" {
		attrs = append(attrs, attribute.String("client.address", info.Remote))
	}
	_, span := s.tracer.Start(context.Background(), info.Operation,
		trace.WithTimestamp(info.Timestamp),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	if info.IsError {
		span.SetStatus(codes.Error, info.ErrorCode)
	}
	span.End(trace.WithTimestamp(info.Timestamp.Add(info.Duration)))
}
