package obs

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer     = otel.Tracer("shrike")
	propagator = propagation.TraceContext{}
)

// StartSpan opens a server span for one request, continuing any traceparent
// the client sent. Without an installed TracerProvider the spans are no-ops.
func StartSpan(ctx context.Context, method, path, host, remote string, headers [][2]string) (context.Context, trace.Span) {
	parent := propagator.Extract(ctx, headerCarrier(headers))
	ctx, span := tracer.Start(parent, method+" "+path, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.target", path),
		attribute.String("http.host", host),
		attribute.String("net.peer.addr", remote),
	)
	return ctx, span
}

// EndSpan records the response status and closes the span.
func EndSpan(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 500:
		span.SetStatus(codes.Error, "server error")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// headerCarrier adapts parsed request headers, whose names arrive already
// lowercased, to the propagation API.
type headerCarrier [][2]string

func (hc headerCarrier) Get(key string) string {
	key = strings.ToLower(key)
	for i := len(hc) - 1; i >= 0; i-- {
		if hc[i][0] == key {
			return hc[i][1]
		}
	}
	return ""
}

// Set is required by the carrier interface; the server side only extracts.
func (hc headerCarrier) Set(key, value string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for _, h := range hc {
		keys = append(keys, h[0])
	}
	return keys
}
