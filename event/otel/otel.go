// Package otel bridges the event.Sink to OpenTelemetry tracing.
//
// Each log event becomes a span, so run lifecycles, job executions,
// and tool activity are visible in any OpenTelemetry-compatible
// backend (Jaeger, Zipkin, Grafana, etc.).
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/runstreamhq/runstream/event"
)

const instrumentationName = "github.com/runstreamhq/runstream"

// Sink implements event.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

var _ event.Sink = (*Sink)(nil)

// Emit converts one log event into a point-in-time span.
func (s *Sink) Emit(_ context.Context, ev event.Event) error {
	ev.Normalize()

	_, span := s.tracer.Start(context.Background(), spanNameFor(ev), trace.WithTimestamp(ev.CreatedAt))

	attrs := []attribute.KeyValue{
		attribute.String("runstream.event.type", string(ev.Type)),
		attribute.Int64("runstream.event.id", ev.ID),
	}
	if ev.RunID != "" {
		attrs = append(attrs, attribute.String("runstream.run.id", ev.RunID))
	}
	for k, v := range ev.Payload {
		attrs = append(attrs, attribute.String("runstream.attr."+k, truncate(fmt.Sprintf("%v", v), 1024)))
	}
	span.SetAttributes(attrs...)

	switch ev.Type {
	case event.RunError, event.JobFailed, event.ToolFailed:
		msg := ""
		if raw, ok := ev.Payload["error"]; ok {
			msg = fmt.Sprintf("%v", raw)
		} else if raw, ok := ev.Payload["reason"]; ok {
			msg = fmt.Sprintf("%v", raw)
		}
		span.SetStatus(codes.Error, msg)
		if msg != "" {
			span.RecordError(fmt.Errorf("%s", msg))
		}
	case event.RunComplete, event.JobComplete, event.ToolCompleted:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(ev.CreatedAt))
	return nil
}

func spanNameFor(ev event.Event) string {
	if ev.Type == "" {
		return "runstream.event"
	}
	return "runstream." + string(ev.Type)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
