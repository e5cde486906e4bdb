// Tracing wires a pipeline-stage tracer via go.opentelemetry.io/otel.
// Unlike eugener-gandalf's telemetry.SetupTracing, TokenShield is a
// library embedded in a host process, not a standalone service, so it
// never configures its own OTLP exporter or global TracerProvider —
// it only obtains a named trace.Tracer from whatever provider the host
// has already installed (or otel's no-op default if none was
// installed), and starts one span per pipeline stage.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tokenshield"

// Tracer returns TokenShield's named tracer from the currently
// installed global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStageSpan starts a span named for one transformParams stage
// (guard, breaker, userBudget, cache, context, router, prefix).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tokenshield."+stage, trace.WithAttributes(
		attribute.String("tokenshield.stage", stage),
	))
}
