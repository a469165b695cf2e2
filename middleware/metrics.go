package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/step"
)

// meterName is the instrumentation scope name for tenantflow metrics.
const meterName = "github.com/xraph/tenantflow"

// Metrics returns middleware that records per-step execution metrics using
// the global OTel MeterProvider.
//
// Instruments:
//   - tenantflow.step.duration (Float64Histogram): seconds, by task_type,
//     org_id and status ("ok", "retry" or "error")
//   - tenantflow.step.executions (Int64Counter): same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"tenantflow.step.duration",
		metric.WithDescription("Duration of step handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"tenantflow.step.executions",
		metric.WithDescription("Total number of step handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, e *step.Execution, next Handler) handler.Result {
		start := time.Now()
		res := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("task_type", e.TaskType),
			attribute.String("org_id", e.OrgID),
			attribute.String("status", outcome(res)),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return res
	}
}
