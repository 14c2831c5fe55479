package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "imlcore"

// StartPlanSpan starts a span covering a plan's full execution.
func StartPlanSpan(ctx context.Context, planID, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("session.id", sessionID),
		),
	)
}

// StartActionSpan starts a span for a single dispatched action.
func StartActionSpan(ctx context.Context, planID, actionID, module, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "action",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("action.id", actionID),
			attribute.String("action.module", module),
			attribute.String("action.name", action),
		),
	)
}

// StartTriggerSpan starts a span for a trigger evaluating and firing.
func StartTriggerSpan(ctx context.Context, triggerID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "trigger",
		trace.WithAttributes(
			attribute.String("trigger.id", triggerID),
		),
	)
}
