package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartResolveSpan creates a span covering one caller's request for a runtime env,
// from cache lookup to the returned outcome.
//
// Usage:
//
//	ctx, span := telemetry.StartResolveSpan(ctx, fingerprint)
//	defer span.End()
func StartResolveSpan(ctx context.Context, fingerprint string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer("resolution")
	ctx, span := tracer.Start(ctx, "runtime_env.resolve")

	span.SetAttributes(
		attribute.String("runtime_env.fingerprint", fingerprint),
		attribute.String("component", "resolution"),
	)

	return ctx, span
}

// StartSetupSpan creates a span for a single setup plugin run.
func StartSetupSpan(ctx context.Context, fingerprint, plugin string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer("setup")
	ctx, span := tracer.Start(ctx, "runtime_env.setup."+plugin)

	span.SetAttributes(
		attribute.String("runtime_env.fingerprint", fingerprint),
		attribute.String("plugin", plugin),
		attribute.String("component", "setup"),
	)

	return ctx, span
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
