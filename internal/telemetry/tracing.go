package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kflowerneat.dispatch")

// StartGenerationSpan opens the span covering one dispatched generation.
func StartGenerationSpan(ctx context.Context, generation, populationSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch.evaluate_generation",
		trace.WithAttributes(
			attribute.Int("generation", generation),
			attribute.Int("population_size", populationSize),
		),
	)
}

// StartEvaluationSpan opens the span covering one genome evaluation.
func StartEvaluationSpan(ctx context.Context, generation, genomeKey int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "evaluator.evaluate",
		trace.WithAttributes(
			attribute.Int("generation", generation),
			attribute.Int("genome_key", genomeKey),
		),
	)
}

// EndEvaluationSpan records the outcome and closes span.
func EndEvaluationSpan(span trace.Span, ok bool, reason string) {
	span.SetAttributes(attribute.Bool("eval_ok", ok))
	if !ok {
		span.SetAttributes(attribute.String("failure_reason", reason))
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}
