package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/step"
)

// tracerName is the instrumentation scope name for tenantflow tracing.
const tracerName = "github.com/xraph/tenantflow"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span using the global TracerProvider.
//
// Span attributes: tenantflow.step.exec_id, tenantflow.step.id,
// tenantflow.task_type, tenantflow.instance.id, tenantflow.org_id,
// tenantflow.attempt. Failed attempts set codes.Error.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, e *step.Execution, next Handler) handler.Result {
		ctx, span := tracer.Start(ctx, "tenantflow.step.execute",
			trace.WithAttributes(
				attribute.String("tenantflow.step.exec_id", e.ID.String()),
				attribute.String("tenantflow.step.id", e.StepID),
				attribute.String("tenantflow.task_type", e.TaskType),
				attribute.String("tenantflow.instance.id", e.InstanceID.String()),
				attribute.String("tenantflow.org_id", e.OrgID),
				attribute.Int("tenantflow.attempt", e.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res := next(ctx)
		if res.Status != handler.StatusSuccess {
			span.SetAttributes(attribute.String("tenantflow.result", string(res.Status)))
			span.SetStatus(codes.Error, res.ErrorDetail)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return res
	}
}
