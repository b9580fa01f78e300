package saga

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rbaliyan/event-saga/saga"

func newTracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(tracerName)
}

func startSagaSpan(ctx context.Context, tracer trace.Tracer, name, op string, inst *Instance) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("saga.id", inst.ID),
			attribute.String("saga.name", inst.Name),
			attribute.String("saga.operation", op),
		),
	)
}

func startStepSpan(ctx context.Context, tracer trace.Tracer, sc StepContext, index int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "saga."+string(sc.Phase),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("saga.id", sc.SagaID),
			attribute.String("saga.name", sc.SagaName),
			attribute.String("saga.step", sc.Step),
			attribute.Int("saga.step_index", index),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func endSagaSpan(span trace.Span, res *Result) {
	span.SetAttributes(attribute.String("saga.status", string(res.Status)))
	switch res.Status {
	case StatusCompleted, StatusCompensated:
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, res.FailureReason)
	}
	span.End()
}
