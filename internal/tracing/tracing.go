// Package tracing wraps the OpenTelemetry tracer used across the host.
// Without an installed provider (the default build) every span is a no-op.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nextlevelbuilder/deskpilot"

// Start opens a span named name under ctx.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// String is shorthand for attribute.String.
func String(k, v string) attribute.KeyValue { return attribute.String(k, v) }

// Int is shorthand for attribute.Int.
func Int(k string, v int) attribute.KeyValue { return attribute.Int(k, v) }

// Fail records err on span and marks it as failed.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
